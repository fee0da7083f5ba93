// Package loader turns capture files into record tables.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"dissector/internal/record"
)

var (
	ErrUnsupportedFile = errors.New("unsupported file type")
	// ErrEmptyTable is returned when a file decodes to fewer than two rows.
	ErrEmptyTable = errors.New("could not read data from file")
)

type FileType uint8

const (
	TypeUnknown FileType = iota
	TypePcap
	TypePcapNG
	TypeNfdump
	TypeNfdumpJSON
	TypeCSV
)

func (t FileType) String() string {
	switch t {
	case TypePcap:
		return "pcap"
	case TypePcapNG:
		return "pcapng"
	case TypeNfdump:
		return "nfdump"
	case TypeNfdumpJSON:
		return "nfdump-json"
	case TypeCSV:
		return "csv"
	default:
		return "unknown"
	}
}

var (
	pcapMagics = [][]byte{
		{0xa1, 0xb2, 0xc3, 0xd4}, {0xd4, 0xc3, 0xb2, 0xa1},
		{0xa1, 0xb2, 0x3c, 0x4d}, {0x4d, 0x3c, 0xb2, 0xa1},
	}
	pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}
	// nfcapd files start with the little endian magic 0xA50C.
	nfdumpMagic = []byte{0x0c, 0xa5}
)

// DetectType identifies a capture from its first bytes.
func DetectType(head []byte) FileType {
	for _, m := range pcapMagics {
		if bytes.HasPrefix(head, m) {
			return TypePcap
		}
	}
	switch {
	case bytes.HasPrefix(head, pcapngMagic):
		return TypePcapNG
	case bytes.HasPrefix(head, nfdumpMagic):
		return TypeNfdump
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\ufeff")
	if len(trimmed) == 0 {
		return TypeUnknown
	}
	switch trimmed[0] {
	case '[', '{':
		return TypeNfdumpJSON
	case 0:
		return TypeUnknown
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return TypeUnknown
	}
	return TypeCSV
}

// Kind returns the volume discriminator of the tables read from t.
func (t FileType) Kind() record.TableKind {
	if t == TypeNfdump || t == TypeNfdumpJSON {
		return record.Flow
	}
	return record.Packet
}

type Options struct {
	// NfdumpPath is the nfdump binary used for nfcapd files.
	NfdumpPath string
	Log        *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.NfdumpPath == "" {
		o.NfdumpPath = "nfdump"
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	return o
}

// Load reads path into a table.
func Load(ctx context.Context, path string, opts Options) (*record.Table, FileType, error) {
	opts = opts.withDefaults()
	f, err := os.Open(path)
	if err != nil {
		return nil, TypeUnknown, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, _ := br.Peek(512)
	ft := DetectType(head)
	opts.Log.Debugf("file %s detected as %s", path, ft)

	var t *record.Table
	switch ft {
	case TypePcap, TypePcapNG:
		t, err = readPcap(br, ft)
	case TypeNfdumpJSON:
		t, err = readNfdumpJSON(br)
	case TypeCSV:
		t, err = readCSV(br, opts.Log)
	case TypeNfdump:
		var out []byte
		if out, err = runNfdump(ctx, opts.NfdumpPath, path); err == nil {
			t, err = readNfdumpJSON(bytes.NewReader(out))
		}
	default:
		return nil, ft, fmt.Errorf("%w: %s", ErrUnsupportedFile, path)
	}
	if err != nil {
		return nil, ft, err
	}
	if t.Len() < 2 {
		return nil, ft, fmt.Errorf("%w <%s>", ErrEmptyTable, path)
	}
	opts.Log.Infof("loaded %d %s rows from %s", t.Len(), t.Kind(), path)
	return t, ft, nil
}

// Result is the outcome of an asynchronous load.
type Result struct {
	Table *record.Table
	Type  FileType
	Err   error
}

// LoadAsync decodes path on its own goroutine. The returned channel yields
// exactly one Result.
func LoadAsync(ctx context.Context, path string, opts Options) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		t, ft, err := Load(ctx, path, opts)
		ch <- Result{Table: t, Type: ft, Err: err}
	}()
	return ch
}
