package postgres

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/okxtap/internal/schema"
	"github.com/coachpo/okxtap/internal/storage"
)

func TestClassifyFatalSQLStates(t *testing.T) {
	for _, code := range []string{"28P01", "28000", "3D000", "3F000", "42P01", "42601"} {
		err := classify(&pgconn.PgError{Code: code})
		require.True(t, storage.IsFatal(err), code)
	}
}

func TestClassifyTransientSQLStates(t *testing.T) {
	for _, code := range []string{"53300", "57P01", "08006", "40001"} {
		err := classify(&pgconn.PgError{Code: code})
		require.True(t, storage.IsTransient(err), code)
	}
}

func TestClassifyNonDatabaseErrorsAreTransient(t *testing.T) {
	require.True(t, storage.IsTransient(classify(&net.OpError{Op: "dial", Err: errors.New("refused")})))
	require.True(t, storage.IsTransient(classify(context.DeadlineExceeded)))
}

func TestEncodeLevels(t *testing.T) {
	out, err := encodeLevels(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", out)

	out, err = encodeLevels([]schema.PriceLevel{{Price: "64000.5", Size: "1.25"}})
	require.NoError(t, err)
	require.JSONEq(t, `[{"price":"64000.5","size":"1.25"}]`, out)
}

func TestSendSkipsEmptyBatch(t *testing.T) {
	w := &Writer{}
	require.NoError(t, w.AppendTrades(context.Background(), nil))
	require.NoError(t, w.AppendBookSnapshots(context.Background(), nil))
}
