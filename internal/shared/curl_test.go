package shared

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const favoritesCurl = `curl 'https://api.bilibili.com/x/v3/fav/resource/list?media_id=123&pn=1&ps=20' \
  -H 'accept: application/json, text/plain, */*' \
  -H 'origin: https://space.bilibili.com' \
  -H 'user-agent: Mozilla/5.0 Test' \
  -b 'buvid3=abc; SESSDATA=sess%2C123; bili_jct=csrf456; DedeUserID=42'`

func TestParseCurlCommand(t *testing.T) {
	tt := []struct {
		name        string
		curlCmd     string
		wantHeaders map[string]string
		wantCookie  string
		wantErr     bool
	}{
		{
			name:    "single header with single quotes",
			curlCmd: `curl -H 'Referer: https://www.bilibili.com' https://api.bilibili.com`,
			wantHeaders: map[string]string{
				"Referer": "https://www.bilibili.com",
			},
		},
		{
			name:    "single header with double quotes",
			curlCmd: `curl -H "Referer: https://www.bilibili.com" https://api.bilibili.com`,
			wantHeaders: map[string]string{
				"Referer": "https://www.bilibili.com",
			},
		},
		{
			name:    "cookie passed with -b",
			curlCmd: favoritesCurl,
			wantHeaders: map[string]string{
				"accept":     "application/json, text/plain, */*",
				"origin":     "https://space.bilibili.com",
				"user-agent": "Mozilla/5.0 Test",
			},
			wantCookie: "buvid3=abc; SESSDATA=sess%2C123; bili_jct=csrf456; DedeUserID=42",
		},
		{
			name:        "cookie passed as header",
			curlCmd:     `curl -H 'cookie: SESSDATA=xyz' https://api.bilibili.com`,
			wantHeaders: map[string]string{},
			wantCookie:  "SESSDATA=xyz",
		},
		{
			name:    "no headers",
			curlCmd: `curl https://api.bilibili.com`,
			wantErr: true,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ParseCurlCommand(tc.curlCmd)

			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseCurlCommand() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}

			if len(result.Headers) != len(tc.wantHeaders) {
				t.Errorf("ParseCurlCommand() headers count = %v, want %v", len(result.Headers), len(tc.wantHeaders))
			}
			for key, want := range tc.wantHeaders {
				if got := result.Headers[key]; got != want {
					t.Errorf("ParseCurlCommand() header[%s] = %v, want %v", key, got, want)
				}
			}
			if result.Cookie != tc.wantCookie {
				t.Errorf("ParseCurlCommand() cookie = %v, want %v", result.Cookie, tc.wantCookie)
			}
		})
	}
}

func TestParseCurlFile(t *testing.T) {
	t.Run("successful file parse", func(t *testing.T) {
		curlFile := filepath.Join(t.TempDir(), "curl.sh")
		if err := os.WriteFile(curlFile, []byte(favoritesCurl), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}

		result, err := ParseCurlFile(curlFile)
		if err != nil {
			t.Fatalf("ParseCurlFile() error = %v", err)
		}
		if result.Headers["user-agent"] != "Mozilla/5.0 Test" {
			t.Errorf("ParseCurlFile() user-agent = %v", result.Headers["user-agent"])
		}
	})

	t.Run("file does not exist", func(t *testing.T) {
		if _, err := ParseCurlFile("/nonexistent/file.sh"); err == nil {
			t.Error("ParseCurlFile() expected error for nonexistent file")
		}
	})
}

func TestCurlHeaders_BilibiliCredentials(t *testing.T) {
	t.Run("extracts session cookies", func(t *testing.T) {
		headers, err := ParseCurlCommand(favoritesCurl)
		if err != nil {
			t.Fatalf("ParseCurlCommand() error = %v", err)
		}

		creds, err := headers.BilibiliCredentials()
		if err != nil {
			t.Fatalf("BilibiliCredentials() error = %v", err)
		}
		if creds.SessData != "sess%2C123" {
			t.Errorf("SessData = %q", creds.SessData)
		}
		if creds.BiliJct != "csrf456" {
			t.Errorf("BiliJct = %q", creds.BiliJct)
		}
		if creds.UserID != "42" {
			t.Errorf("UserID = %q", creds.UserID)
		}
		if creds.UserAgent != "Mozilla/5.0 Test" {
			t.Errorf("UserAgent = %q", creds.UserAgent)
		}
	})

	t.Run("missing SESSDATA", func(t *testing.T) {
		headers := &CurlHeaders{Headers: map[string]string{}, Cookie: "buvid3=abc"}
		_, err := headers.BilibiliCredentials()
		if !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("BilibiliCredentials() error = %v, want ErrMissingCredentials", err)
		}
	})
}
