package blob

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
)

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	if err := backend.CreateBucket("mailgate-test"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	st, err := New(Config{
		Endpoint:  ts.Listener.Addr().String(),
		AccessKey: "access-key",
		SecretKey: "secret-key",
		Bucket:    "mailgate-test",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestPutIfAbsent(t *testing.T) {
	st := newFakeStore(t)
	ctx := context.Background()
	key := "attachments/abc.txt"

	exists, err := st.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatalf("Exists before upload: got true, want false")
	}

	uploaded, err := st.PutIfAbsent(ctx, key, []byte("hello"), "text/plain")
	if err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if !uploaded {
		t.Errorf("first PutIfAbsent: got false, want true")
	}

	uploaded, err = st.PutIfAbsent(ctx, key, []byte("other"), "text/plain")
	if err != nil {
		t.Fatalf("second PutIfAbsent: %v", err)
	}
	if uploaded {
		t.Errorf("second PutIfAbsent: got true, want false")
	}

	obj, err := st.cl.GetObject(ctx, "mailgate-test", key, minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("object body: got %q, want %q", body, "hello")
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("New without endpoint: want error")
	}
}

func TestURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		domain, key, want string
	}{
		{"", "attachments/a.png", "attachments/a.png"},
		{"files.example.com", "attachments/a.png", "https://files.example.com/attachments/a.png"},
		{"http://cdn.local/", "attachments/a.png", "http://cdn.local/attachments/a.png"},
	}
	for _, tc := range cases {
		if got := URL(tc.domain, tc.key); got != tc.want {
			t.Errorf("URL(%q, %q): got %q, want %q", tc.domain, tc.key, got, tc.want)
		}
	}
}
