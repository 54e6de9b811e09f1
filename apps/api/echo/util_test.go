package echoapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echoapi "github.com/trezcool/masomo-proctor/apps/api/echo"
	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
	inmemdb "github.com/trezcool/masomo-proctor/storage/database/inmem"
	testutil "github.com/trezcool/masomo-proctor/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

type env struct {
	conf   *core.Config
	server *echoapi.Server
	coord  *proctor.Coordinator
	db     *inmemdb.DB
}

func setup(t *testing.T) env {
	conf := testutil.Config()
	coord, db := testutil.Coordinator(t, conf)
	validate, translator := proctor.NewValidator()

	server := echoapi.NewServer(echoapi.ServerDeps{
		Conf:           conf,
		Logger:         testutil.NopLogger{},
		Sessions:       coord,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})
	return env{conf: conf, server: server, coord: coord, db: db}
}

func (e env) token(t *testing.T, subject, examID string, roles ...string) string {
	token, err := echoapi.GenerateToken(e.conf.SecretKey, echoapi.NewClaims(e.conf, subject, examID, roles...))
	if err != nil {
		t.Fatalf("token() failed: %v", err)
	}
	return token
}

func (e env) do(tt httpTest) *httptest.ResponseRecorder {
	req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
	e.server.ServeHTTP(rec, req)
	return rec
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func marshalObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshalObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return bytes.Equal(marshalSorted(j1), marshalSorted(j2)), nil
}

// marshalSorted re-encodes v; encoding/json sorts map keys.
func marshalSorted(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

func checkCode(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v (body %s)", rec.Code, tt.wantCode, rec.Body.String())
	}
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	checkCode(t, tt, rec)
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) proctor.Session {
	t.Helper()
	var s proctor.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decodeSession() failed: %v (body %s)", err, rec.Body.String())
	}
	return s
}
