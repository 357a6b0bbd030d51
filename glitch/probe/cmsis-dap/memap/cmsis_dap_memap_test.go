package memap

import (
	"context"
	"testing"

	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/dap"
	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/dap/daptest"
	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/dp"
)

func connect(t *testing.T, target *daptest.Target) MemAPClient {
	t.Helper()
	ctx := context.Background()
	dapc, err := dap.NewClient(ctx, target)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	dpc := dp.NewDPClient(dapc)
	if err := dpc.Init(ctx); err != nil {
		t.Fatalf("dp Init: %v", err)
	}
	return NewMemAPClient(dpc, 0)
}

func TestReadTargetMem(t *testing.T) {
	target := daptest.NewTarget()
	// Crosses a 1KB autoincrement boundary and spans several blocks.
	const start = 0x20400000 + 0x400 - 8*4
	for i := uint32(0); i < 40; i++ {
		target.Mem[start+i*4] = 0xa5000000 | i
	}
	mapc := connect(t, target)
	ctx := context.Background()
	if err := mapc.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := mapc.ReadTargetMem(ctx, start, 40)
	if err != nil {
		t.Fatalf("ReadTargetMem: %v", err)
	}
	if len(got) != 40 {
		t.Fatalf("got %d words, want 40", len(got))
	}
	for i, w := range got {
		if want := 0xa5000000 | uint32(i); w != want {
			t.Errorf("word %d: got 0x%08x, want 0x%08x", i, w, want)
		}
	}
	cpuid, err := mapc.ReadTargetReg(ctx, 0xE000ED00)
	if err != nil {
		t.Fatalf("ReadTargetReg: %v", err)
	}
	if cpuid != 0x411fc270 {
		t.Errorf("CPUID: got 0x%08x", cpuid)
	}
	if _, err := mapc.ReadTargetMem(ctx, 2, 1); !errors.IsNotValid(err) {
		t.Errorf("unaligned read: got %v, want not valid", err)
	}
}

func TestLocked(t *testing.T) {
	target := daptest.NewTarget()
	target.Locked = true
	mapc := connect(t, target)
	if err := mapc.Init(context.Background()); err == nil {
		t.Errorf("Init succeeded on a locked target")
	}
}
