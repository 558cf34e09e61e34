package scheduler

import (
	"os"
	"testing"

	"github.com/jcawthorne/attache/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}
