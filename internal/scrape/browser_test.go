package scrape

import (
	"errors"
	"testing"

	"github.com/chromedp/cdproto/network"
)

func TestDocumentStatus(t *testing.T) {
	const u = "https://sport.unil.ch/?aid=58"
	tests := []struct {
		name     string
		resp     *network.Response
		wantCode int
		wantText string
	}{
		{"ok", &network.Response{Status: 200, StatusText: "OK"}, 0, ""},
		{"not found", &network.Response{Status: 404, StatusText: "Not Found"}, 404, "404 Not Found"},
		{"unavailable without reason", &network.Response{Status: 503}, 503, "503 Service Unavailable"},
		{"redirect target not followed", &network.Response{Status: 302, StatusText: "Found"}, 302, "302 Found"},
		{"no response", nil, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := documentStatus(u, tt.resp)
			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FetchError", err)
			}
			if fe.StatusCode != tt.wantCode || fe.URL != u {
				t.Errorf("FetchError = %+v, want status %d", fe, tt.wantCode)
			}
			if fe.Err.Error() != tt.wantText {
				t.Errorf("cause = %q, want %q", fe.Err, tt.wantText)
			}
		})
	}
}

func TestStatusError_HTTPStatusLine(t *testing.T) {
	err := statusError("http://x/course", 503, "503 Service Unavailable")
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Err.Error() != "503 Service Unavailable" {
		t.Errorf("err = %v, want cause %q", err, "503 Service Unavailable")
	}
}
