package providers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMockClient(t *testing.T) {
	t.Run("call", func(t *testing.T) {
		c := NewMockClient()
		c.ResponseText = "hello world"

		result, err := c.Call(context.Background(), &CallRequest{
			Model:    "test-model",
			Messages: []Message{{Role: "user", Content: "test"}},
		})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if !result.Success {
			t.Errorf("Success = false, want true")
		}
		if result.OutputText != "hello world" {
			t.Errorf("OutputText = %q, want %q", result.OutputText, "hello world")
		}
		if c.RequestCount() != 1 {
			t.Errorf("RequestCount = %d, want 1", c.RequestCount())
		}
	})

	t.Run("failure", func(t *testing.T) {
		c := NewMockClient()
		c.ShouldFail = true

		result, err := c.Call(context.Background(), &CallRequest{})
		if err == nil {
			t.Error("expected error, got nil")
		}
		if result.Success {
			t.Error("expected Success = false")
		}
	})

	t.Run("fail after N", func(t *testing.T) {
		c := NewMockClient()
		c.FailAfter = 2

		if _, err := c.Call(context.Background(), &CallRequest{}); err != nil {
			t.Fatalf("first request should succeed: %v", err)
		}
		if _, err := c.Call(context.Background(), &CallRequest{}); err != nil {
			t.Fatalf("second request should succeed: %v", err)
		}
		if _, err := c.Call(context.Background(), &CallRequest{}); err == nil {
			t.Error("third request should fail")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		c := NewMockClient()
		c.Latency = 5 * time.Second

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.Call(ctx, &CallRequest{})
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestMockOCRProvider(t *testing.T) {
	t.Run("process image", func(t *testing.T) {
		p := NewMockOCRProvider()
		p.ResponseText = "extracted text"

		result, err := p.ProcessImage(context.Background(), []byte("fake image"), 1)
		if err != nil {
			t.Fatalf("ProcessImage() error = %v", err)
		}
		if !result.Success {
			t.Error("expected success")
		}
		if result.Text == "" {
			t.Error("expected non-empty text")
		}
	})

	t.Run("rate limit properties", func(t *testing.T) {
		p := NewMockOCRProvider()

		if p.RequestsPerSecond() != 10.0 {
			t.Errorf("RequestsPerSecond = %f, want 10", p.RequestsPerSecond())
		}
		if p.MaxRetries() != 3 {
			t.Errorf("MaxRetries = %d, want 3", p.MaxRetries())
		}
		if p.RetryDelayBase() != time.Second {
			t.Errorf("RetryDelayBase = %v, want 1s", p.RetryDelayBase())
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows initial requests", func(t *testing.T) {
		limiter := NewRateLimiter(10)

		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("took too long: %v", elapsed)
		}
	})

	t.Run("try consume", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		if !limiter.TryConsume() {
			t.Error("first TryConsume should succeed")
		}
	})

	t.Run("status", func(t *testing.T) {
		limiter := NewRateLimiter(6.0)

		status := limiter.Status()
		if status.TokensLimit != 6 {
			t.Errorf("TokensLimit = %d, want 6", status.TokensLimit)
		}
		if status.TokensAvailable <= 0 {
			t.Error("expected positive tokens available")
		}
	})

	t.Run("record 429", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		limiter.Record429(time.Second)

		status := limiter.Status()
		if status.Last429Time.IsZero() {
			t.Error("Last429Time should be set")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		limiter.Wait(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := limiter.Wait(ctx); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		limiter := NewRateLimiter(100)

		var wg sync.WaitGroup
		var errs atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := limiter.Wait(context.Background()); err != nil {
					errs.Add(1)
				}
			}()
		}
		wg.Wait()

		if errs.Load() > 0 {
			t.Errorf("had %d errors", errs.Load())
		}
		if status := limiter.Status(); status.TotalConsumed != 10 {
			t.Errorf("TotalConsumed = %d, want 10", status.TotalConsumed)
		}
	})
}

func TestTestConfig(t *testing.T) {
	t.Run("loads from environment", func(t *testing.T) {
		cfg := LoadTestConfig()
		_ = cfg.HasOpenRouter()
		_ = cfg.HasMistral()
		_ = cfg.HasAnyOCR()
		_ = cfg.HasAnyLLM()
	})

	t.Run("ToRegistryConfig", func(t *testing.T) {
		regCfg := LoadTestConfig().ToRegistryConfig()
		if regCfg.OCRProviders == nil {
			t.Error("OCRProviders should not be nil")
		}
		if regCfg.LLMProviders == nil {
			t.Error("LLMProviders should not be nil")
		}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		r.RegisterLLM("mock", NewMockClient())
		r.RegisterOCR("mock-ocr", NewMockOCRProvider())

		if _, err := r.GetLLM("mock"); err != nil {
			t.Errorf("GetLLM() error = %v", err)
		}
		if _, err := r.GetOCR("mock-ocr"); err != nil {
			t.Errorf("GetOCR() error = %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.GetLLM("missing"); err == nil {
			t.Error("expected error for missing LLM client")
		}
		if _, err := r.GetOCR("missing"); err == nil {
			t.Error("expected error for missing OCR provider")
		}
	})

	t.Run("reload drops unconfigured providers", func(t *testing.T) {
		r := NewRegistryFromConfig(RegistryConfig{
			LLMProviders: map[string]LLMProviderConfig{
				"openrouter": {Type: "openrouter", APIKey: "key", Enabled: true},
			},
		})
		if !listContains(r.ListLLM(), "openrouter") {
			t.Fatalf("expected openrouter registered, got %v", r.ListLLM())
		}

		r.Reload(RegistryConfig{})
		if listContains(r.ListLLM(), "openrouter") {
			t.Errorf("expected openrouter removed after reload, got %v", r.ListLLM())
		}
	})
}

func listContains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
