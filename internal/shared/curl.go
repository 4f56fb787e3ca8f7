// Utilities for parsing cURL commands copied from browser devtools.
package shared

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// CurlHeaders represents parsed headers and cookies from a cURL command.
type CurlHeaders struct {
	Headers map[string]string
	Cookie  string
}

// ParseCurlFile reads a .sh file containing a cURL command and extracts headers.
func ParseCurlFile(filepath string) (*CurlHeaders, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read curl file: %w", err)
	}

	return ParseCurlCommand(string(content))
}

// ParseCurlCommand parses a cURL command string and extracts headers.
func ParseCurlCommand(curlCmd string) (*CurlHeaders, error) {
	curlCmd = strings.ReplaceAll(curlCmd, "\\\n", " ")
	curlCmd = strings.ReplaceAll(curlCmd, "\\", "")

	headers := make(map[string]string)
	var cookie string

	headerRegex := regexp.MustCompile(`-H\s+'([^']+)'|-H\s+"([^"]+)"`)
	matches := headerRegex.FindAllStringSubmatch(curlCmd, -1)

	for _, match := range matches {
		var headerLine string
		if match[1] != "" {
			headerLine = match[1]
		} else {
			headerLine = match[2]
		}

		parts := strings.SplitN(headerLine, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])

			if strings.ToLower(key) != "cookie" {
				headers[key] = value
			}
		}
	}

	cookieRegex := regexp.MustCompile(`-b\s+'([^']+)'|-b\s+"([^"]+)"`)
	cookieMatches := cookieRegex.FindStringSubmatch(curlCmd)
	if len(cookieMatches) > 1 {
		if cookieMatches[1] != "" {
			cookie = cookieMatches[1]
		} else {
			cookie = cookieMatches[2]
		}
	}

	if cookie == "" {
		for _, match := range matches {
			var headerLine string
			if match[1] != "" {
				headerLine = match[1]
			} else {
				headerLine = match[2]
			}

			if strings.HasPrefix(strings.ToLower(headerLine), "cookie:") {
				parts := strings.SplitN(headerLine, ":", 2)
				if len(parts) == 2 {
					cookie = strings.TrimSpace(parts[1])
				}
				break
			}
		}
	}

	if len(headers) == 0 && cookie == "" {
		return nil, fmt.Errorf("no headers found in curl command")
	}

	return &CurlHeaders{
		Headers: headers,
		Cookie:  cookie,
	}, nil
}

// Cookies splits the cookie string into name/value pairs.
func (c *CurlHeaders) Cookies() map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(c.Cookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		cookies[name] = value
	}
	return cookies
}

// BilibiliCredentials extracts the session cookies and user agent used by the favorites API.
func (c *CurlHeaders) BilibiliCredentials() (BilibiliConfig, error) {
	cookies := c.Cookies()
	creds := BilibiliConfig{
		SessData: cookies["SESSDATA"],
		BiliJct:  cookies["bili_jct"],
		UserID:   cookies["DedeUserID"],
	}
	for key, value := range c.Headers {
		if strings.EqualFold(key, "user-agent") {
			creds.UserAgent = value
		}
	}

	if creds.SessData == "" {
		return creds, fmt.Errorf("%w: SESSDATA cookie not present", ErrMissingCredentials)
	}
	return creds, nil
}
