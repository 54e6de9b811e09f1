package proctor

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-proctor/core"
)

var (
	signalKindTag  = "signalkind"
	signalKindText = "{0} must be a known signal kind"
)

// InitValidators registers the proctoring validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(signalKindTag, signalKindValidation)
	_ = validate.RegisterTranslation(
		signalKindTag, translator,
		func(t ut.Translator) error { return t.Add(signalKindTag, signalKindText, false) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(signalKindTag, fe.Field())
			return s
		},
	)
}

// NewValidator returns a validator with the core and proctoring tags registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate, translator
}

func signalKindValidation(fl validator.FieldLevel) bool {
	return Kind(fl.Field().String()).Valid()
}
