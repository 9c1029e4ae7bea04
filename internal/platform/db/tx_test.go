package db

import (
	"context"
	"testing"
)

func TestTxFromContext_Empty(t *testing.T) {
	if TxFromContext(context.Background()) != nil {
		t.Error("expected nil tx on bare context")
	}
	if SQLTxFromContext(context.Background()) != nil {
		t.Error("expected nil sql tx on bare context")
	}
}
