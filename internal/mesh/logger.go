package mesh

import (
	"log/slog"
	"os"
)

// DefaultLogger is the JSON logger used when a caller does not inject one.
func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
