//go:build !debug

package generation

import (
	"context"
	"testing"
	"time"
)

func TestBuildListAddRejectsEmptyToplevel(t *testing.T) {
	t.Parallel()
	store, _ := newBuildStore(t)

	list, err := store.Load("node1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, _, err := list.Add(context.Background(), Artifacts{}, nil, time.Now()); err == nil {
		t.Fatal("Add() with an empty toplevel succeeded")
	}
	if list.Len() != 0 {
		t.Fatalf("list has %d generations, want none", list.Len())
	}
}
