package testlog

import (
	"testing"

	"github.com/danmuck/watchbridge/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures the test logging profile and tags the run with the test name.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}
