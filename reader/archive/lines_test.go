package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deflateZip(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func storedZip(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               name,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE([]byte(content)),
		CompressedSize64:   uint64(len(content)),
		UncompressedSize64: uint64(len(content)),
	})
	require.NoError(t, err)
	_, err = io.WriteString(w, content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func collect(t *testing.T, lr *LineReader) ([]string, error) {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case line, ok := <-lr.Lines():
			if !ok {
				return out, nil
			}
			if line.Err != nil {
				return out, line.Err
			}
			out = append(out, line.Text)
		case <-timeout:
			t.Fatal("timed out reading lines")
		}
	}
}

func numbered(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "line-%d\n", i)
	}
	return sb.String()
}

func TestOpenDeflate(t *testing.T) {
	data := deflateZip(t, "trades.csv", "a\nb\nc")
	lr, err := Open(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "b\n", "c"}, lines)
	assert.Equal(t, "trades.csv", lr.Name())
}

func TestOpenStored(t *testing.T) {
	data := storedZip(t, "trades.csv", "x\ny\n")
	lr, err := Open(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	require.NoError(t, err)
	assert.Equal(t, []string{"x\n", "y\n"}, lines)
}

func TestEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, zip.NewWriter(&buf).Close())

	_, err := Open(context.Background(), bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrEmptyZip)

	_, err = Open(context.Background(), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrEmptyZip)
}

func TestOpenGarbage(t *testing.T) {
	_, err := Open(context.Background(), strings.NewReader("not a zip file at all"))
	var uerr *UnzipError
	assert.ErrorAs(t, err, &uerr)
}

func TestOpenUnsupportedMethod(t *testing.T) {
	data := storedZip(t, "trades.csv", "x\n")
	// method lives at offset 8 of the local header
	data[8] = 12
	_, err := Open(context.Background(), bytes.NewReader(data))
	var uerr *UnzipError
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, uerr.Error(), "unsupported compression method 12")
}

func TestStrideForwardsEveryNth(t *testing.T) {
	data := deflateZip(t, "t.csv", numbered(10))
	lr, err := Open(context.Background(), bytes.NewReader(data), WithStride(3))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	require.NoError(t, err)
	assert.Equal(t, []string{"line-0\n", "line-3\n", "line-6\n", "line-9\n"}, lines)
}

func TestStrideNonPositiveMeansAll(t *testing.T) {
	data := deflateZip(t, "t.csv", numbered(4))
	lr, err := Open(context.Background(), bytes.NewReader(data), WithStride(0))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	require.NoError(t, err)
	assert.Len(t, lines, 4)
}

func TestLeadingLinesBypassStride(t *testing.T) {
	data := deflateZip(t, "t.csv", "header\n"+numbered(7))
	lr, err := Open(context.Background(), bytes.NewReader(data), WithLeading(1), WithStride(3))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	require.NoError(t, err)
	assert.Equal(t, []string{"header\n", "line-0\n", "line-3\n", "line-6\n"}, lines)
}

func TestInvalidFirstLineRetriedOnce(t *testing.T) {
	data := deflateZip(t, "t.csv", "\xff\xfe\n"+"ok\n")
	lr, err := Open(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok\n"}, lines)
}

func TestInvalidFirstLineTwiceFails(t *testing.T) {
	data := deflateZip(t, "t.csv", "\xff\n\xfe\nok\n")
	lr, err := Open(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.Empty(t, lines)
}

func TestInvalidLaterLineTerminates(t *testing.T) {
	data := deflateZip(t, "t.csv", "a\n\xff\nb\n")
	lr, err := Open(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	defer lr.Close()

	lines, err := collect(t, lr)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
	assert.Equal(t, []string{"a\n"}, lines)
}

func TestTruncatedDeflateIsInBandError(t *testing.T) {
	data := deflateZip(t, "t.csv", numbered(2000))
	lr, err := Open(context.Background(), bytes.NewReader(data[:len(data)/2]))
	require.NoError(t, err)
	defer lr.Close()

	_, err = collect(t, lr)
	var uerr *UnzipError
	assert.ErrorAs(t, err, &uerr)
}

func TestCloseStopsProducer(t *testing.T) {
	data := deflateZip(t, "t.csv", numbered(5000))
	lr, err := Open(context.Background(), bytes.NewReader(data), WithBuffer(1))
	require.NoError(t, err)

	<-lr.Lines()
	require.NoError(t, lr.Close())

	select {
	case <-lr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not exit after Close")
	}
}

func TestContextCancelStopsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	data := deflateZip(t, "t.csv", numbered(5000))
	lr, err := Open(ctx, bytes.NewReader(data), WithBuffer(1))
	require.NoError(t, err)

	cancel()
	select {
	case <-lr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not exit after cancel")
	}
}

func TestStoredEntryWithDataDescriptor(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "a.csv", Method: zip.Store})
	require.NoError(t, err)
	_, err = io.WriteString(w, "1,2,3\n")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = Open(context.Background(), bytes.NewReader(buf.Bytes()))
	var uerr *UnzipError
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, err.Error(), `stored entry "a.csv" has no size`)
}

func TestCancelDuringHeaderClosesBody(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	opened := make(chan error, 1)
	go func() {
		lr, err := Open(ctx, pr)
		if lr != nil {
			lr.Close()
		}
		opened <- err
	}()

	cancel()
	select {
	case err := <-opened:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after cancel")
	}

	_, err := pw.Write([]byte("PK"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestDeadlineDuringHeader(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Open(ctx, pr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnzipErrorUnwrap(t *testing.T) {
	err := &UnzipError{Reason: "read entry", Err: io.ErrUnexpectedEOF}
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "unzip: read entry: unexpected EOF", err.Error())
}
