package migrations

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	names := Names()
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}
	body, err := migrationFiles.ReadFile(names[0])
	if err != nil {
		t.Fatalf("read %s: %v", names[0], err)
	}
	for _, table := range []string{"orders", "order_fulfillment", "escrows", "escrow_releases", "disputes", "outbox"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("migration %s does not create %s", names[0], table)
		}
	}
}
