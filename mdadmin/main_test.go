package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampFormatting(t *testing.T) {
	// Verification timestamps are Unix seconds.
	require.Equal(t, "2019-06-08T13:20:00Z", secondsRFC3339(1560000000))
	// Journal timestamps are Unix nanoseconds of the same instant.
	require.Equal(t, "2019-06-08T13:20:00Z",
		nanosRFC3339(1560000000*int64(time.Second)))
}
