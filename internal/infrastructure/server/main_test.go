package server

import (
	"os"
	"testing"

	"github.com/GriffinCanCode/termbridge/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunBackendIfRequested()
	os.Exit(m.Run())
}
