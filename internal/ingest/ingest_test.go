package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/streams"
)

func encryptPKCS7(t *testing.T, key, iv, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), make([]byte, padLen)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func zipDoc(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeLookup struct {
	segments map[string]ledger.UsagePointSegment
}

func (f *fakeLookup) GetUsagePoint(_ context.Context, id string) (ledger.UsagePoint, error) {
	seg, ok := f.segments[id]
	if !ok {
		return ledger.UsagePoint{}, ledger.ErrNotFound
	}
	return ledger.UsagePoint{ID: id, Segment: &seg}, nil
}

type recordingSink struct {
	pairs []streams.Pair
}

func (s *recordingSink) Publish(_ context.Context, _ string, pair streams.Pair) error {
	s.pairs = append(s.pairs, pair)
	return nil
}

func randomKey(t *testing.T) (key, iv []byte) {
	t.Helper()
	key = make([]byte, 16)
	iv = make([]byte, aes.BlockSize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)
	return key, iv
}

// Fixed pairs for the key-rotation test: decrypting hdmDoc's ciphertext
// (encrypted under currentKey) with staleKey yields a last byte far above
// the AES block size, so the padding check rejects the stale key
// deterministically rather than by luck.
var (
	currentKey = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	currentIV  = []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f}
	staleKey   = []byte{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf}
	staleIV    = []byte{0xb0, 0xb1, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xbb, 0xbc, 0xbd, 0xbe, 0xbf}
)

const hdmDoc = "Identifiant PRM;Type de donnees;Grandeur physique;Grandeur metier;Etape metier;Unite\n" +
	"09111642617347;Courbe de charge;Energie active;Consommation;Comptage Brut;W\n" +
	"Horodate;Valeur\n" +
	"2020-06-01T00:30:00+02:00;100\n" +
	"2020-06-01T01:00:00+02:00;110\n"

const r50Doc = `<Flux_R50>
	<En_Tete_Flux><Pas_Publication>30</Pas_Publication></En_Tete_Flux>
	<PRM>
		<Id_PRM>09111642617347</Id_PRM>
		<Donnees_Releve>
			<PDC><H>2020-06-01T00:30:00+02:00</H><V>100</V><IV>0</IV></PDC>
			<PDC><H>2020-06-01T01:00:00+02:00</H><V>110</V><IV>0</IV></PDC>
		</Donnees_Releve>
	</PRM>
</Flux_R50>`

func newDirs(t *testing.T) (inbox, archive, errs string) {
	t.Helper()
	dir := t.TempDir()
	inbox = filepath.Join(dir, "inbox")
	archive = filepath.Join(dir, "archive")
	errs = filepath.Join(dir, "errors")
	require.NoError(t, os.MkdirAll(inbox, 0o755))
	return inbox, archive, errs
}

func TestIngesterDecryptsWithRotatedKeyAndArchives(t *testing.T) {
	inbox, archive, errs := newDirs(t)

	ciphertext := encryptPKCS7(t, currentKey, currentIV, []byte(hdmDoc))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "Enedis_SGE_HDM_A06GKIR.csv"), ciphertext, 0o644))

	sink := &recordingSink{}
	in := New(Options{
		InboxDir:   inbox,
		ArchiveDir: archive,
		ErrorsDir:  errs,
		Keys: []KeyPair{
			{Key: staleKey, IV: staleIV},
			{Key: currentKey, IV: currentIV},
		},
	}, nil, sink, zaptest.NewLogger(t))
	in.now = func() time.Time { return time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, in.ProcessOnce(context.Background()))

	assert.Len(t, sink.pairs, 2)
	dest := filepath.Join(archive, "2020-06-02", "Enedis_SGE_HDM_A06GKIR.csv")
	_, err := os.Stat(dest)
	assert.NoError(t, err, "archived file should exist at %s", dest)
}

func TestIngesterStampsHDMByLedgerSegment(t *testing.T) {
	cases := []struct {
		name      string
		segment   ledger.UsagePointSegment
		wantTimes []string
	}{
		// C5 stamps end-of-interval, shifted to start; C4 (and P4) are
		// start-of-interval already and must pass through untouched.
		{"C5", ledger.SegmentC5, []string{"2020-06-01T00:00:00+02:00", "2020-06-01T00:30:00+02:00"}},
		{"C4", ledger.SegmentC4, []string{"2020-06-01T00:30:00+02:00", "2020-06-01T01:00:00+02:00"}},
		{"P4", ledger.SegmentP4, []string{"2020-06-01T00:30:00+02:00", "2020-06-01T01:00:00+02:00"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inbox, archive, errs := newDirs(t)
			ciphertext := encryptPKCS7(t, currentKey, currentIV, []byte(hdmDoc))
			require.NoError(t, os.WriteFile(filepath.Join(inbox, "Enedis_SGE_HDM_A06GKIR.csv"), ciphertext, 0o644))

			lookup := &fakeLookup{segments: map[string]ledger.UsagePointSegment{"09111642617347": tc.segment}}
			sink := &recordingSink{}
			in := New(Options{
				InboxDir:   inbox,
				ArchiveDir: archive,
				ErrorsDir:  errs,
				Keys:       []KeyPair{{Key: currentKey, IV: currentIV}},
			}, lookup, sink, zaptest.NewLogger(t))
			in.now = func() time.Time { return time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC) }

			require.NoError(t, in.ProcessOnce(context.Background()))
			require.Len(t, sink.pairs, 2)
			for i, want := range tc.wantTimes {
				assert.Equal(t, want, sink.pairs[i].Record.Time)
			}
		})
	}
}

func TestIngesterUnpacksZipPayload(t *testing.T) {
	inbox, archive, errs := newDirs(t)

	plaintext := zipDoc(t, "ERDF_R50_20200601.xml", []byte(r50Doc))
	ciphertext := encryptPKCS7(t, currentKey, currentIV, plaintext)
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "ERDF_R50_20200601.zip"), ciphertext, 0o644))

	sink := &recordingSink{}
	in := New(Options{
		InboxDir:   inbox,
		ArchiveDir: archive,
		ErrorsDir:  errs,
		Keys:       []KeyPair{{Key: currentKey, IV: currentIV}},
	}, nil, sink, zaptest.NewLogger(t))
	in.now = func() time.Time { return time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, in.ProcessOnce(context.Background()))

	require.Len(t, sink.pairs, 2)
	assert.Equal(t, "2020-06-01T00:00:00+02:00", sink.pairs[0].Record.Time)
	_, err := os.Stat(filepath.Join(archive, "2020-06-02", "ERDF_R50_20200601.zip"))
	assert.NoError(t, err)
}

func TestIngesterQuarantinesOnCorruption(t *testing.T) {
	inbox, archive, errs := newDirs(t)

	wrongKey, wrongIV := randomKey(t)
	ciphertext := encryptPKCS7(t, wrongKey, wrongIV, zipDoc(t, "ERDF_R50_20200601.xml", []byte(r50Doc)))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "ERDF_R50_20200601.zip"), ciphertext, 0o644))

	sink := &recordingSink{}
	in := New(Options{
		InboxDir:   inbox,
		ArchiveDir: archive,
		ErrorsDir:  errs,
		Keys:       []KeyPair{{Key: currentKey, IV: currentIV}},
	}, nil, sink, zaptest.NewLogger(t))
	in.now = func() time.Time { return time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, in.ProcessOnce(context.Background()))

	assert.Empty(t, sink.pairs)
	dest := filepath.Join(errs, "2020-06-02", "ERDF_R50_20200601.zip")
	_, err := os.Stat(dest)
	assert.NoError(t, err, "quarantined file should exist at %s", dest)
}

func TestIngesterArchivesCompanionServiceFileWithoutParsing(t *testing.T) {
	inbox, archive, errs := newDirs(t)
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "2020_svc.xml"), []byte("<svc/>"), 0o644))

	sink := &recordingSink{}
	in := New(Options{InboxDir: inbox, ArchiveDir: archive, ErrorsDir: errs}, nil, sink, zaptest.NewLogger(t))
	in.now = func() time.Time { return time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, in.ProcessOnce(context.Background()))
	assert.Empty(t, sink.pairs)
	_, err := os.Stat(filepath.Join(archive, "2020-06-02", "2020_svc.xml"))
	assert.NoError(t, err)
}

func TestPublishArchivesModeNeverMovesFiles(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(archive, 0o755))

	ciphertext := encryptPKCS7(t, currentKey, currentIV, []byte(hdmDoc))
	path := filepath.Join(archive, "Enedis_SGE_HDM_A06GKIR.csv")
	require.NoError(t, os.WriteFile(path, ciphertext, 0o644))

	sink := &recordingSink{}
	in := New(Options{
		ArchiveDir:      archive,
		PublishArchives: true,
		Keys:            []KeyPair{{Key: currentKey, IV: currentIV}},
	}, nil, sink, zaptest.NewLogger(t))

	require.NoError(t, in.ProcessOnce(context.Background()))
	assert.Len(t, sink.pairs, 2)
	_, err := os.Stat(path)
	assert.NoError(t, err, "replay mode must not move the original file")
}
