package alerter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronowatch/chronowatch/types"
)

func TestLogAlerterNeverFails(t *testing.T) {
	a := NewLog(nil)
	err := a.Alert(context.Background(), []types.Match{{"_id": "1"}})
	require.NoError(t, err)
	require.Equal(t, "log", a.Info()["type"])
}
