// Package testutil provides a small HTTP/WebSocket application used as the
// bridged backend in tests, either mounted on an httptest.Server or run as a
// real child process by re-executing the test binary.
//
// Packages that spawn it call RunBackendIfRequested from TestMain:
//
//	func TestMain(m *testing.M) {
//	    testutil.RunBackendIfRequested()
//	    os.Exit(m.Run())
//	}
package testutil
