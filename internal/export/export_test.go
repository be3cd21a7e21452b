package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vgomini/internal/config"
	"github.com/roach88/vgomini/internal/ir"
	"github.com/roach88/vgomini/internal/seal"
)

func testSigner() seal.Signer {
	return seal.NewDemoSigner("test", []byte("k"))
}

func sealedDigest(t *testing.T) ir.SealDigest {
	t.Helper()
	d, err := seal.Seal(seal.Input{
		Window: "2025-01",
		Carry: ir.CarryOutput{
			Rows: []ir.FinalRow{
				{Principal: "P1", FinalMinor: 1040},
				{Principal: "P2", FinalMinor: 1009},
			},
			TargetTotalMinor: 2049,
		},
		Watermark:        "2025-01-01T12:00:03Z",
		FoldOrder:        "v1:bucket,partition,occurred_at;tiebreak=arrival",
		CarryLedgerCount: 2,
		MaterializedAt:   "2025-01-01T12:00:00Z",
	}, testSigner())
	require.NoError(t, err)
	return d
}

func TestObjectKey(t *testing.T) {
	d := ir.SealDigest{Window: "2025-01", SealHash: "abc"}
	assert.Equal(t, "seals/2025-01/seal-abc.json", ObjectKey("seals", d))
	assert.Equal(t, "2025-01/seal-abc.json", ObjectKey("", d))
}

func TestEncodeCanonical(t *testing.T) {
	d := sealedDigest(t)

	a, err := Encode(d)
	require.NoError(t, err)
	b, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	s := string(a)
	assert.True(t, strings.HasPrefix(s, `{"achieved_total_minor":2049,`), s)
	assert.NotContains(t, s, " ")
	assert.NotContains(t, s, "\n")
}

func TestEncodeEmptyWindow(t *testing.T) {
	b, err := Encode(ir.SealDigest{Window: "2025-01", SealHash: "h"})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"final_rows":[]`)
}

func TestLocalExporter(t *testing.T) {
	dir := t.TempDir()
	d := sealedDigest(t)

	path, err := NewLocalExporter(dir, "seals").Export(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "seals", "2025-01", "seal-"+d.SealHash+".json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, d, back)

	// An exported digest still verifies with the signer that sealed it.
	require.NoError(t, seal.Verify(back, testSigner()))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalExporterIdempotent(t *testing.T) {
	dir := t.TempDir()
	d := sealedDigest(t)
	e := NewLocalExporter(dir, "")

	first, err := e.Export(context.Background(), d)
	require.NoError(t, err)
	before, err := os.ReadFile(first)
	require.NoError(t, err)

	second, err := e.Export(context.Background(), d)
	require.NoError(t, err)
	after, err := os.ReadFile(second)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before, after)
}

func TestLocalExporterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalExporter(t.TempDir(), "").Export(ctx, sealedDigest(t))
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeS3 struct {
	failures int
	calls    int
	inputs   []*s3.PutObjectInput
	bodies   [][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient")
	}
	body := make([]byte, 0)
	buf := make([]byte, 512)
	for {
		n, err := in.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Exporter(t *testing.T) {
	client := &fakeS3{}
	d := sealedDigest(t)

	uri, err := NewS3ExporterWithClient(client, "bucket", "prod").Export(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/prod/2025-01/seal-"+d.SealHash+".json", uri)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "bucket", aws.ToString(in.Bucket))
	assert.Equal(t, "prod/2025-01/seal-"+d.SealHash+".json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, d.SealHash, in.Metadata["seal-hash"])

	want, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, want, client.bodies[0])
}

func TestS3ExporterRetries(t *testing.T) {
	client := &fakeS3{failures: 1}
	_, err := NewS3ExporterWithClient(client, "bucket", "").Export(context.Background(), sealedDigest(t))
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)

	want, err := Encode(sealedDigest(t))
	require.NoError(t, err)
	assert.Equal(t, want, client.bodies[0], "retry must resend the full body")
}

func TestS3ExporterGivesUp(t *testing.T) {
	client := &fakeS3{failures: 100}
	e := NewS3ExporterWithClient(client, "bucket", "")
	e.maxRetries = 0

	_, err := e.Export(context.Background(), sealedDigest(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")
	assert.Equal(t, 1, client.calls)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	e, err := New(ctx, config.ExportConfig{Kind: config.ExportNone})
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = New(ctx, config.ExportConfig{Kind: config.ExportLocal, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalExporter{}, e)

	_, err = New(ctx, config.ExportConfig{Kind: "ftp"})
	assert.Error(t, err)
}
