package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/garage/internal/config"
	"github.com/zulandar/garage/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Name: "garage_centro"},
			want: "root@tcp(127.0.0.1:3306)/garage_centro",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, User: "garage", Password: "s3cret", Name: "garage_norte"},
			want: "garage:s3cret@tcp(10.0.0.5:3307)/garage_norte",
		},
		{
			name: "server level",
			cfg:  config.DatabaseConfig{Host: "db.internal", Port: 3306, User: "root"},
			want: "root@tcp(db.internal:3306)/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "localhost", Port: 3306, User: "root", Name: "test"})
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "unsupported driver")
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 4 {
		t.Errorf("len(AllModels()) = %d, want 4", got)
	}
}

func TestConnectSQLite_AutoMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garage.db")
	gdb, err := Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// Second run must be a no-op.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate (second run): %v", err)
	}

	for _, m := range []interface{}{&models.Mechanic{}, &models.Order{}, &models.WhatsAppSession{}, &models.OutboundMessage{}} {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	if !gdb.Migrator().HasTable("whatsapp_sessions") {
		t.Error("whatsapp_sessions table not created")
	}
}
