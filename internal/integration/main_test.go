package integration

import (
	"fmt"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	var cleanup func(success bool)
	if PostgresEnabled() {
		var err error
		cleanup, err = StartPostgres()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start PostgreSQL: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()
	if cleanup != nil {
		cleanup(code == 0)
	}
	os.Exit(code)
}
