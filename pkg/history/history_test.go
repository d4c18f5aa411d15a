package history

import "github.com/rs/zerolog"

func testNopLogger() zerolog.Logger {
	return zerolog.Nop()
}
