package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestSupportsTransactions(t *testing.T) {
	tests := []struct {
		name  string
		hello bson.M
		want  bool
	}{
		{"standalone", bson.M{"isWritablePrimary": true}, false},
		{"replica set", bson.M{"isWritablePrimary": true, "setName": "rs0"}, true},
		{"mongos", bson.M{"msg": "isdbgrid"}, true},
		{"empty set name", bson.M{"setName": ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, supportsTransactions(tt.hello))
		})
	}
}

func TestApplyWithUndo(t *testing.T) {
	ctx := context.Background()
	errNext := errors.New("conversation upsert: connection reset")

	t.Run("second write fails", func(t *testing.T) {
		var steps []string
		var undoErr error
		err := applyWithUndo(ctx,
			func(context.Context) error { steps = append(steps, "insert"); return nil },
			func(context.Context) error { steps = append(steps, "advance"); return errNext },
			func(context.Context) error { steps = append(steps, "undo"); return nil },
			func(err error) { undoErr = err },
		)
		assert.ErrorIs(t, err, errNext)
		assert.Equal(t, []string{"insert", "advance", "undo"}, steps)
		assert.NoError(t, undoErr)
	})

	t.Run("first write fails", func(t *testing.T) {
		errApply := errors.New("insert failed")
		called := false
		err := applyWithUndo(ctx,
			func(context.Context) error { return errApply },
			func(context.Context) error { called = true; return nil },
			func(context.Context) error { called = true; return nil },
			func(error) {},
		)
		assert.ErrorIs(t, err, errApply)
		assert.False(t, called)
	})

	t.Run("undo runs after caller cancels", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		var undoCtxErr error
		err := applyWithUndo(cctx,
			func(context.Context) error { return nil },
			func(context.Context) error { cancel(); return errNext },
			func(ctx context.Context) error { undoCtxErr = ctx.Err(); return nil },
			func(error) {},
		)
		assert.ErrorIs(t, err, errNext)
		assert.NoError(t, undoCtxErr)
	})

	t.Run("failed undo is reported", func(t *testing.T) {
		errUndo := errors.New("delete failed")
		var reported error
		err := applyWithUndo(ctx,
			func(context.Context) error { return nil },
			func(context.Context) error { return errNext },
			func(context.Context) error { return errUndo },
			func(err error) { reported = err },
		)
		assert.ErrorIs(t, err, errNext)
		assert.ErrorIs(t, reported, errUndo)
	})
}
