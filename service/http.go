package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliercoder/grab"

	"github.com/geoharvest/ogc-ingester/common"
	"github.com/geoharvest/ogc-ingester/service/log"
)

// HTTPGetWithAuth issues a GET with pass-through credentials and returns the body
func HTTPGetWithAuth(ctx context.Context, url string, creds common.Credentials) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPGet: %w", err)
	}
	applyAuth(req, creds)
	client := http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPGet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTPGet[%s]: %s: %s", url, resp.Status, body)
	}
	return io.ReadAll(resp.Body)
}

func applyAuth(req *http.Request, creds common.Credentials) {
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	for k, v := range creds.Headers {
		req.Header.Set(k, v)
	}
}

// GetBodyRetry: simple GET with N retries in case of temporary errors
func GetBodyRetry(ctx context.Context, url string, nbRetries int, timeout time.Duration, creds common.Credentials) ([]byte, error) {
	var body []byte
	var err error
	var resp *http.Response

	client := &http.Client{Timeout: timeout}
	for i := 0; i <= nbRetries; i++ {
		// Exponential backoff, starting at 0
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(((1 << i) - 1) * time.Second):
		}
		var req *http.Request
		if req, err = http.NewRequestWithContext(ctx, "GET", url, nil); err != nil {
			return nil, fmt.Errorf("GetBodyRetry.NewRequest: %w", err)
		}
		applyAuth(req, creds)
		resp, err = client.Do(req)
		if err != nil {
			if !Temporary(err) {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != 200 {
			body, _ = io.ReadAll(resp.Body)
			resp.Body.Close()
			err = fmt.Errorf("%s: %s", resp.Status, body)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, err
			}
			continue
		}
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil {
			return body, nil
		}
	}
	return nil, err
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Add("Authorization", auth[0])
	}
	return nil
}

// DownloadToFile streams url into filename with progress logged every 5%.
// Parent directories are created. HTTP 5xx and 408/429 are temporary errors.
func DownloadToFile(ctx context.Context, url, filename string, creds common.Credentials) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0766); err != nil {
		return MakeTemporary(fmt.Errorf("DownloadToFile.MkdirAll: %w", err))
	}

	req, err := grab.NewRequest(filename, url)
	if err != nil {
		return fmt.Errorf("DownloadToFile.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)
	applyAuth(req.HTTPRequest, creds)

	client := grab.NewClient()
	client.HTTPClient.CheckRedirect = checkRedirectAndCopyAuth
	resp := client.Do(req)

	displayProgress(ctx, filepath.Base(filename), resp, 0.05)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", req.URL(), err)
		if resp.HTTPResponse == nil {
			return MakeTemporary(err)
		}
		switch resp.HTTPResponse.StatusCode {
		case 408, 429, 500, 501, 502, 503, 504:
			return MakeTemporary(err)
		default:
			return err
		}
	}
	return nil
}

// DownloadToWriter streams url into w. The payload is not buffered in memory.
func DownloadToWriter(ctx context.Context, url string, w io.Writer, creds common.Credentials) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("DownloadToWriter.NewRequest: %w", err)
	}
	applyAuth(req, creds)
	client := http.Client{CheckRedirect: checkRedirectAndCopyAuth}
	resp, err := client.Do(req)
	if err != nil {
		return 0, MakeTemporary(fmt.Errorf("DownloadToWriter[%s]: %w", url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		err := fmt.Errorf("DownloadToWriter[%s]: %s", url, resp.Status)
		switch resp.StatusCode {
		case 408, 429, 500, 501, 502, 503, 504:
			return 0, MakeTemporary(err)
		default:
			return 0, err
		}
	}
	return io.Copy(w, resp.Body)
}
