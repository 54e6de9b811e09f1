package database

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-proctor/core"
)

func TestDSN(t *testing.T) {
	conf := &core.Config{Database: core.DatabaseConfig{
		Engine:        "postgres",
		Host:          "db",
		Port:          5432,
		Name:          "proctor",
		User:          "app",
		Password:      "s3cret",
		AdminUser:     "postgres",
		AdminPassword: "root",
	}}

	tests := []struct {
		name     string
		admin    bool
		tls      bool
		wantUser string
		wantSSL  string
	}{
		{"app user", false, true, "app", "require"},
		{"admin user", true, true, "postgres", "require"},
		{"tls disabled", false, false, "app", "disable"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := *conf
			c.Database.DisableTLS = !tc.tls
			u, err := url.Parse(DSN("proctor", tc.admin, &c))
			require.NoError(t, err)

			if got := u.User.Username(); got != tc.wantUser {
				t.Errorf("failed! user = %v; wantUser %v", got, tc.wantUser)
			}
			if got := u.Query().Get("sslmode"); got != tc.wantSSL {
				t.Errorf("failed! sslmode = %v; wantSSLMode %v", got, tc.wantSSL)
			}
			assert.Equal(t, "db:5432", u.Host)
			assert.Equal(t, "/proctor", u.Path)
			assert.Equal(t, "utc", u.Query().Get("timezone"))
		})
	}
}

func TestMigrations(t *testing.T) {
	names, err := Migrations()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"00001_create_sessions.sql",
		"00002_create_evidence_frames.sql",
		"00003_create_submissions.sql",
	}, names)
}
