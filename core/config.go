package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Address            string
		DebugHost          string
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		AllowedOrigins     []string
	}

	StorageConfig struct {
		Driver     string // postgres | buntdb | memory
		BuntDBPath string
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	// ProctorConfig is the externally settable policy surface of the monitoring core.
	ProctorConfig struct {
		ViolationThreshold    int
		DedupWindow           time.Duration
		ConnectionGrace       time.Duration
		GapPersistence        time.Duration
		BlurFloor             time.Duration
		CaptureInterval       time.Duration
		EvidenceQueueCapacity int
		EvidenceFlushGrace    time.Duration
		CapabilityGrace       time.Duration
		SubmissionTimeout     time.Duration
		NonQualifying         []string
		SupervisorEmail       string
	}

	MQTTConfig struct {
		Broker   string
		ClientID string
		Topic    string
		QoS      byte
	}

	Config struct {
		Env      string
		Debug    bool
		TestMode bool
		AppName  string
		Build    string
		WorkDir  string

		SecretKey        string
		RollbarToken     string
		SendgridApiKey   string
		DefaultFromEmail mail.Address

		Server   ServerConfig
		Storage  StorageConfig
		Database DatabaseConfig
		Proctor  ProctorConfig
		MQTT     MQTTConfig
	}
)

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
}

// NewConfig loads the configuration from defaults, `config/.env.<env>` and the environment.
// Env vars are prefixed with the environment name, e.g. PROD_PROCTOR_VIOLATIONTHRESHOLD=5.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Env:            env,
		Debug:          v.GetBool("debug"),
		TestMode:       v.GetBool("testMode"),
		AppName:        v.GetString("appName"),
		Build:          v.GetString("build"),
		WorkDir:        wd,
		SecretKey:      v.GetString("secretKey"),
		RollbarToken:   v.GetString("rollbarToken"),
		SendgridApiKey: v.GetString("sendgridApiKey"),
		DefaultFromEmail: mail.Address{
			Name:    v.GetString("appName"),
			Address: v.GetString("defaultFromEmail"),
		},
		Server: ServerConfig{
			Address:            v.GetString("server.address"),
			DebugHost:          v.GetString("server.debugHost"),
			ShutdownTimeout:    v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta: v.GetDuration("server.jwtExpirationDelta"),
			AllowedOrigins:     splitList(v.GetString("server.allowedOrigins")),
		},
		Storage: StorageConfig{
			Driver:     v.GetString("storage.driver"),
			BuntDBPath: v.GetString("storage.buntdbPath"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Proctor: ProctorConfig{
			ViolationThreshold:    v.GetInt("proctor.violationThreshold"),
			DedupWindow:           v.GetDuration("proctor.dedupWindow"),
			ConnectionGrace:       v.GetDuration("proctor.connectionGrace"),
			GapPersistence:        v.GetDuration("proctor.gapPersistence"),
			BlurFloor:             v.GetDuration("proctor.blurFloor"),
			CaptureInterval:       v.GetDuration("proctor.captureInterval"),
			EvidenceQueueCapacity: v.GetInt("proctor.evidenceQueueCapacity"),
			EvidenceFlushGrace:    v.GetDuration("proctor.evidenceFlushGrace"),
			CapabilityGrace:       v.GetDuration("proctor.capabilityGrace"),
			SubmissionTimeout:     v.GetDuration("proctor.submissionTimeout"),
			NonQualifying:         splitList(v.GetString("proctor.nonQualifying")),
			SupervisorEmail:       v.GetString("proctor.supervisorEmail"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.clientID"),
			Topic:    v.GetString("mqtt.topic"),
			QoS:      byte(v.GetInt("mqtt.qos")),
		},
	}
	if conf.Proctor.GapPersistence <= 0 {
		conf.Proctor.GapPersistence = conf.Proctor.ConnectionGrace
	}
	if conf.MQTT.ClientID == "" {
		conf.MQTT.ClientID = fmt.Sprintf("masomo-proctor-%d", os.Getpid())
	}
	return conf
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Masomo Proctor")
	v.SetDefault("build", "develop")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("defaultFromEmail", "noreply@localhost")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 10*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 4*time.Hour)
	v.SetDefault("server.allowedOrigins", "")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.buntdbPath", ":memory:")

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "masomo_proctor")
	v.SetDefault("database.user", "masomo")
	v.SetDefault("database.password", "masomo")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("proctor.violationThreshold", 3)
	v.SetDefault("proctor.dedupWindow", 2*time.Second)
	v.SetDefault("proctor.connectionGrace", 30*time.Second)
	v.SetDefault("proctor.gapPersistence", time.Duration(0))
	v.SetDefault("proctor.blurFloor", time.Second)
	v.SetDefault("proctor.captureInterval", 10*time.Second)
	v.SetDefault("proctor.evidenceQueueCapacity", 16)
	v.SetDefault("proctor.evidenceFlushGrace", 2*time.Second)
	v.SetDefault("proctor.capabilityGrace", 30*time.Second)
	v.SetDefault("proctor.submissionTimeout", 10*time.Second)
	v.SetDefault("proctor.nonQualifying", "")
	v.SetDefault("proctor.supervisorEmail", "")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.clientID", "")
	v.SetDefault("mqtt.topic", "masomo/proctor/decisions")
	v.SetDefault("mqtt.qos", 1)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
