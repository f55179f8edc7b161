package testutil

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// The container is shared by every test in the package binary and reaped by Ryuk on exit.
var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

func containerPostgresDSN(t TestingTB) (string, error) {
	t.Helper()
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		pg, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("geoinfer"),
			postgres.WithUsername("geoinfer"),
			postgres.WithPassword("geoinfer"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		containerDSN, containerErr = pg.ConnectionString(ctx, "sslmode=disable")
	})
	return containerDSN, containerErr
}

func isShort() bool {
	f := flag.Lookup("test.short")
	return f != nil && f.Value.String() == "true"
}
