//go:build linux

// Command kaio-readwrite is a minimal end-to-end demonstration: write a
// pattern into a temp file through kernel AIO, read it back, and verify
// the round trip.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/kaio"
	"github.com/joeycumines/kaio/fs"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("all good!")
}

func run() error {
	aioCtx, handle, err := kaio.New(8)
	if err != nil {
		return fmt.Errorf("kaio.New: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = aioCtx.Close(ctx)
	}()

	dir, err := os.MkdirTemp("", "kaio-readwrite")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "tmp")
	file, err := fs.CreateDirect(path, false)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer file.Close()

	const size = 4096 // O_DIRECT requires block-aligned transfers
	if err := file.SetLen(size); err != nil {
		return fmt.Errorf("set_len: %w", err)
	}

	writeBuf, err := fs.NewLockedBuf(size)
	if err != nil {
		return fmt.Errorf("alloc write buffer: %w", err)
	}
	defer writeBuf.Close()
	wbuf := writeBuf.Bytes()
	for i := range wbuf {
		wbuf[i] = byte(i % 0xff)
	}

	ctx := context.Background()
	if _, err := file.WriteAt(ctx, handle, 0, writeBuf, size, 0); err != nil {
		return fmt.Errorf("write_at: %w", err)
	}
	if err := file.SyncAll(ctx, handle); err != nil {
		return fmt.Errorf("sync_all: %w", err)
	}

	readBuf, err := fs.NewLockedBuf(size)
	if err != nil {
		return fmt.Errorf("alloc read buffer: %w", err)
	}
	defer readBuf.Close()

	if _, err := file.ReadAt(ctx, handle, 0, readBuf, size, 0); err != nil {
		return fmt.Errorf("read_at: %w", err)
	}

	wb, rb := writeBuf.Bytes(), readBuf.Bytes()
	for i := range wb {
		if wb[i] != rb[i] {
			return fmt.Errorf("round trip mismatch at offset %d: wrote %d, read %d", i, wb[i], rb[i])
		}
	}
	return nil
}
