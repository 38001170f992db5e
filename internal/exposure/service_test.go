package exposure

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/tracelight/server/internal/apperr"
	"github.com/tracelight/server/internal/model"
)

// fakeExposureRepo records inserted keys in memory, deduplicating on key data
type fakeExposureRepo struct {
	seen map[string]bool
	last []model.ExposureKey
}

func newFakeExposureRepo() *fakeExposureRepo {
	return &fakeExposureRepo{seen: map[string]bool{}}
}

func (f *fakeExposureRepo) BulkInsert(_ context.Context, keys []model.ExposureKey) (int, error) {
	inserted := 0
	f.last = keys
	for _, key := range keys {
		if !f.seen[key.KeyData] {
			f.seen[key.KeyData] = true
			inserted++
		}
	}
	return inserted, nil
}

func (f *fakeExposureRepo) CountAll(context.Context) (int, error) {
	return len(f.seen), nil
}

func encodedKey(b byte) string {
	raw := make([]byte, 16)
	for i := range raw {
		raw[i] = b
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// fixedNow pins the service clock so future-key checks are deterministic
var fixedNow = time.Date(2021, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeExposureRepo, maxKeys int) *Service {
	s := NewService(repo, maxKeys)
	s.now = func() time.Time { return fixedNow }
	return s
}

func validKey(b byte) Key {
	// Two days before fixedNow
	start := fixedNow.Add(-48 * time.Hour)
	return Key{
		Key:                   encodedKey(b),
		RollingStartNumber:    start.Unix() / 600,
		RollingPeriod:         144,
		TransmissionRiskLevel: 4,
	}
}

func TestIngestStoresValidKeys(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 100)

	inserted, err := svc.Ingest(context.Background(), []Key{validKey(1), validKey(2)}, nil, nil, model.TestTypeConfirmed, []string{"IE"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2", inserted)
	}
}

func TestIngestResubmissionInsertsNothing(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 100)
	batch := []Key{validKey(1), validKey(2)}

	if _, err := svc.Ingest(context.Background(), batch, nil, nil, model.TestTypeConfirmed, []string{"IE"}); err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	inserted, err := svc.Ingest(context.Background(), batch, nil, nil, model.TestTypeConfirmed, []string{"IE"})
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("second submission inserted = %d, want 0", inserted)
	}
}

func TestIngestRejectsOversizedBatch(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 3)

	batch := make([]Key, 4)
	for i := range batch {
		batch[i] = validKey(byte(i))
	}
	_, err := svc.Ingest(context.Background(), batch, nil, nil, model.TestTypeConfirmed, []string{"IE"})
	if !errors.Is(err, apperr.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestIngestRejectsWholeBatchOnFutureKey(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 100)

	future := validKey(9)
	future.RollingStartNumber = fixedNow.Add(24*time.Hour).Unix() / 600

	_, err := svc.Ingest(context.Background(), []Key{validKey(1), future}, nil, nil, model.TestTypeConfirmed, []string{"IE"})
	if !errors.Is(err, apperr.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if len(repo.seen) != 0 {
		t.Fatalf("stored %d keys despite invalid batch", len(repo.seen))
	}
}

func TestIngestRejectsBadKeyMaterial(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 100)

	cases := map[string]Key{
		"not base64":     func() Key { k := validKey(1); k.Key = "!!!"; return k }(),
		"short key":      func() Key { k := validKey(1); k.Key = base64.StdEncoding.EncodeToString([]byte("short")); return k }(),
		"zero period":    func() Key { k := validKey(1); k.RollingPeriod = 0; return k }(),
		"big period":     func() Key { k := validKey(1); k.RollingPeriod = 145; return k }(),
		"negative risk":  func() Key { k := validKey(1); k.TransmissionRiskLevel = -1; return k }(),
		"oversized risk": func() Key { k := validKey(1); k.TransmissionRiskLevel = 9; return k }(),
	}
	for name, key := range cases {
		if _, err := svc.Ingest(context.Background(), []Key{key}, nil, nil, model.TestTypeConfirmed, []string{"IE"}); !errors.Is(err, apperr.ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestIngestDropsPreOnsetKeysSilently(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 100)

	onset := fixedNow.Add(-24 * time.Hour)
	old := validKey(1)
	old.RollingStartNumber = fixedNow.Add(-96*time.Hour).Unix() / 600
	old.RollingPeriod = 6 // one hour window, ends well before onset

	recent := validKey(2)

	inserted, err := svc.Ingest(context.Background(), []Key{old, recent}, nil, &onset, model.TestTypeConfirmed, []string{"IE"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1 (pre-onset key dropped)", inserted)
	}
	if repo.seen[old.Key] {
		t.Fatalf("pre-onset key was stored")
	}
}

func TestIngestEmptyAfterFilteringIsNotAnError(t *testing.T) {
	repo := newFakeExposureRepo()
	svc := newTestService(repo, 100)

	onset := fixedNow
	old := validKey(1)
	old.RollingStartNumber = fixedNow.Add(-96*time.Hour).Unix() / 600
	old.RollingPeriod = 6

	inserted, err := svc.Ingest(context.Background(), []Key{old}, nil, &onset, model.TestTypeConfirmed, []string{"IE"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("inserted = %d, want 0", inserted)
	}
}

func TestCanonicalStringIsOrderIndependent(t *testing.T) {
	a := Key{Key: "aaa", RollingStartNumber: 1, RollingPeriod: 2, TransmissionRiskLevel: 3}
	b := Key{Key: "bbb", RollingStartNumber: 4, RollingPeriod: 5, TransmissionRiskLevel: 6}

	forward := CanonicalString([]Key{a, b})
	reverse := CanonicalString([]Key{b, a})
	if forward != reverse {
		t.Fatalf("canonical strings differ: %q vs %q", forward, reverse)
	}
	want := "aaa.1.2.3,bbb.4.5.6"
	if forward != want {
		t.Fatalf("canonical string = %q, want %q", forward, want)
	}
}

func TestVerifyBinding(t *testing.T) {
	keys := []Key{validKey(1), validKey(2)}
	hmacKey := []byte("secret key material")

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(CanonicalString(keys)))
	digest := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if err := VerifyBinding(keys, hmacKey, digest); err != nil {
		t.Fatalf("valid binding rejected: %v", err)
	}
	if err := VerifyBinding(keys, hmacKey, "bogus"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if err := VerifyBinding(keys, []byte("wrong key"), digest); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDaysSinceOnset(t *testing.T) {
	onset := time.Date(2021, 3, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		start time.Time
		want  int
	}{
		{"same day", onset.Add(6 * time.Hour), 0},
		{"three days after", onset.Add(72 * time.Hour), 3},
		{"partial day rounds down", onset.Add(71 * time.Hour), 2},
		{"day before floors to -1", onset.Add(-6 * time.Hour), -1},
		{"two days before", onset.Add(-36 * time.Hour), -2},
	}
	for _, tc := range cases {
		if got := DaysSinceOnset(tc.start, &onset); got != tc.want {
			t.Errorf("%s: DaysSinceOnset = %d, want %d", tc.name, got, tc.want)
		}
	}

	if got := DaysSinceOnset(onset, nil); got != 0 {
		t.Errorf("nil onset: DaysSinceOnset = %d, want 0", got)
	}
}
