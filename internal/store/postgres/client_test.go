package postgres

import "testing"

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x", Host: "ignored"},
			want: "postgres://x",
		},
		{
			name: "defaults",
			cfg:  ClientConfig{Host: "db", Database: "aether", User: "u", Password: "p"},
			want: "postgres://u:p@db:5432/aether?sslmode=disable",
		},
		{
			name: "custom port and ssl",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "a", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@db:6543/a?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN()=%q want %q", got, tt.want)
			}
		})
	}
}

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	want := []string{"001_ledger_snapshots.sql", "002_audit_log.sql", "003_relay_cursors.sql"}
	if len(names) != len(want) {
		t.Fatalf("names=%v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names=%v want %v", names, want)
		}
	}
}
