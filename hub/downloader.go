package hub

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gomlx/modelio/internal/xsync"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ProgressCallback is called as a download progresses.
//
// Args:
//   - totalBytes may be 0 if the total size is not yet known.
//   - finished is set to true when the download is done (successfully or not).
//   - err, if set, means the transfer was aborted; finished is also true then.
type ProgressCallback func(downloadedBytes, totalBytes int64, finished bool, err error)

// ErrCancelled is reported by the ProgressCallback of downloads interrupted
// through their cancellation latch.
var ErrCancelled = errors.New("download cancelled")

// manager downloads files in parallel, reporting back progress and errors.
type manager struct {
	semaphore *xsync.Semaphore
	authToken string
}

// newManager creates a manager that downloads at most maxParallel files at a
// time (<= 0 for no limit).
func newManager(maxParallel int) *manager {
	return &manager{semaphore: xsync.NewSemaphore(maxParallel)}
}

// withAuthToken sets the bearer token sent in the Authorization header.
func (m *manager) withAuthToken(authToken string) *manager {
	m.authToken = authToken
	return m
}

// enqueue starts the download of url to filePath in a background goroutine.
// Progress is reported through callback; the returned latch cancels the
// download when triggered.
func (m *manager) enqueue(url, filePath string, callback ProgressCallback) *xsync.Latch {
	canceller := xsync.NewLatch()
	go func() {
		m.semaphore.Acquire()
		defer m.semaphore.Release()

		if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
			callback(0, 0, true, errors.Wrapf(err, "failed to create the directory for %q", filePath))
			return
		}
		file, err := os.Create(filePath)
		if err != nil {
			callback(0, 0, true, errors.Wrapf(err, "failed creating file %q", filePath))
			return
		}
		defer func() {
			if file != nil {
				_ = file.Close()
			}
		}()

		client := http.Client{
			CheckRedirect: func(r *http.Request, via []*http.Request) error {
				r.URL.Opaque = r.URL.Path
				return nil
			},
		}
		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			callback(0, 0, true, errors.Wrapf(err, "failed creating request for %q", url))
			return
		}
		if m.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+m.authToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			callback(0, 0, true, errors.Wrapf(err, "failed downloading %q", url))
			return
		}
		if resp.StatusCode != http.StatusOK {
			callback(0, 0, true, errors.Errorf("bad status code %d downloading %q: %q",
				resp.StatusCode, url, resp.Header.Get("X-Error-Message")))
			return
		}

		contentLength := resp.ContentLength
		callback(0, contentLength, false, nil)
		const maxBufferSize = 1 * 1024 * 1024
		buf := make([]byte, maxBufferSize)
		downloadedBytes := int64(0)
		for {
			if canceller.Test() {
				callback(downloadedBytes, contentLength, true, ErrCancelled)
				return
			}
			n, err := resp.Body.Read(buf)
			if err != nil && err != io.EOF {
				callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed downloading %q", url))
				return
			}
			if n > 0 {
				wn, werr := file.Write(buf[:n])
				if werr != nil {
					callback(downloadedBytes, contentLength, true,
						errors.Wrapf(werr, "failed writing %q to %q", url, filePath))
					return
				}
				if wn != n {
					callback(downloadedBytes, contentLength, true,
						errors.Errorf("failed writing %q to %q: wanted %d bytes, wrote %d", url, filePath, n, wn))
					return
				}
				downloadedBytes += int64(n)
				callback(downloadedBytes, contentLength, false, nil)
			}
			if err == io.EOF {
				break
			}
		}
		err = file.Close()
		file = nil
		if err != nil {
			callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed closing file %q", filePath))
			return
		}
		if err = resp.Body.Close(); err != nil {
			callback(downloadedBytes, contentLength, true, errors.Wrapf(err, "failed closing connection to %q", url))
			return
		}
		callback(downloadedBytes, contentLength, true, nil)
	}()
	return canceller
}

// download fetches url to filePath synchronously, optionally displaying a
// progress bar. It creates the target directory as needed.
func download(url, filePath, authToken string, showProgressBar bool) (size int64, err error) {
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", path.Dir(filePath))
	}
	var file *os.File
	file, err = os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating request for %q", url)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	var resp *http.Response
	resp, err = client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("bad status code %d downloading %q", resp.StatusCode, url)
	}

	var dst io.Writer = file
	if showProgressBar && resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(resp.ContentLength, fmt.Sprintf("downloading %s", path.Base(filePath)))
		dst = io.MultiWriter(file, bar)
	}
	size, err = io.Copy(dst, resp.Body)
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}
