package kafka

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
)

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		wantErr string
	}{
		{name: "minimal", cfg: ClusterConfig{Brokers: []string{"localhost:9092"}}},
		{name: "no brokers", cfg: ClusterConfig{}, wantErr: "brokers are required"},
		{
			name: "scram",
			cfg: ClusterConfig{
				Brokers: []string{"b:9092"},
				Auth:    AuthConfig{Mechanism: MechanismScramSHA512, Username: "u", Password: "p"},
			},
		},
		{
			name: "bad mechanism",
			cfg: ClusterConfig{
				Brokers: []string{"b:9092"},
				Auth:    AuthConfig{Mechanism: "GSSAPI", Username: "u", Password: "p"},
			},
			wantErr: "auth.mechanism",
		},
		{
			name: "missing password",
			cfg: ClusterConfig{
				Brokers: []string{"b:9092"},
				Auth:    AuthConfig{Mechanism: MechanismPlain, Username: "u"},
			},
			wantErr: "auth.password",
		},
		{
			name: "cert without key",
			cfg: ClusterConfig{
				Brokers: []string{"b:9092"},
				TLS:     TLSConfig{Enabled: true, CertFile: "c.pem"},
			},
			wantErr: "set together",
		},
		{name: "negative linger", cfg: ClusterConfig{Brokers: []string{"b:9092"}, Linger: -1}, wantErr: "linger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		want    int
		wantErr bool
	}{
		{name: "plain brokers", cfg: ClusterConfig{Brokers: []string{"b:9092"}}, want: 3},
		{name: "with linger", cfg: ClusterConfig{Brokers: []string{"b:9092"}, Linger: 5}, want: 4},
		{
			name: "sasl plain",
			cfg: ClusterConfig{
				Brokers: []string{"b:9092"},
				Auth:    AuthConfig{Mechanism: MechanismPlain, Username: "u", Password: "p"},
			},
			want: 4,
		},
		{
			name: "sasl scram-256",
			cfg: ClusterConfig{
				Brokers: []string{"b:9092"},
				Auth:    AuthConfig{Mechanism: MechanismScramSHA256, Username: "u", Password: "p"},
			},
			want: 4,
		},
		{
			name:    "unsupported sasl",
			cfg:     ClusterConfig{Brokers: []string{"b:9092"}, Auth: AuthConfig{Mechanism: "NOPE"}},
			wantErr: true,
		},
		{name: "tls", cfg: ClusterConfig{Brokers: []string{"b:9092"}, TLS: TLSConfig{Enabled: true}}, want: 4},
		{
			name:    "tls missing ca",
			cfg:     ClusterConfig{Brokers: []string{"b:9092"}, TLS: TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ClientOptions(&tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(opts) != tt.want {
				t.Errorf("got %d options, want %d", len(opts), tt.want)
			}
		})
	}
}

func TestBuildTLSConfig_InvalidCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := buildTLSConfig(TLSConfig{Enabled: true, CAFile: path}); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  int
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.records = append(f.records, rs...)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeProducer) Close() { f.closed++ }

func TestPublisher_Publish(t *testing.T) {
	fp := &fakeProducer{}
	p := &Publisher{client: fp}

	err := p.Publish(context.Background(), "dlq", []byte("k"), []byte("v"), map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fp.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(fp.records))
	}
	r := fp.records[0]
	if r.Topic != "dlq" || string(r.Key) != "k" || string(r.Value) != "v" {
		t.Errorf("unexpected record: %+v", r)
	}
	if len(r.Headers) != 1 || r.Headers[0].Key != "a" || string(r.Headers[0].Value) != "1" {
		t.Errorf("unexpected headers: %+v", r.Headers)
	}
}

func TestPublisher_PublishError(t *testing.T) {
	boom := errors.New("broker down")
	p := &Publisher{client: &fakeProducer{err: boom}}

	err := p.Publish(context.Background(), "dlq", nil, []byte("v"), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestPublisher_CloseIdempotent(t *testing.T) {
	fp := &fakeProducer{}
	p := &Publisher{client: fp}
	_ = p.Close()
	_ = p.Close()
	if fp.closed != 1 {
		t.Errorf("expected client closed once, got %d", fp.closed)
	}
}

func TestNewPublisher_InvalidConfig(t *testing.T) {
	if _, err := NewPublisher(&ClusterConfig{}); err == nil {
		t.Fatal("expected validation error")
	}
}
