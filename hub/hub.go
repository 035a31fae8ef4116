// Package hub 🤗 downloads model repositories from the Hugging Face hub and
// caches them locally, so converters can read their files (config, tokenizer
// and ".safetensors" weights).
//
// Example: download (only the first time) and list the files of a model:
//
//	model, err := hub.New("google/gemma-2-2b-it", hfToken, "~/work/huggingface")
//	if err != nil { ... }
//	if err = model.Download(); err != nil { ... }
//	for f, err := range model.EnumerateFileNames() {
//		...
//	}
package hub

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/modelio/internal/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is a reference to a Hugging Face hub model and its local cache.
type Model struct {
	// ID may include owner/model. E.g.: google/gemma-2-2b-it
	ID string

	// AuthToken is the Hugging Face authentication token used when downloading.
	// Empty means no authentication (some models can't be downloaded without one).
	AuthToken string

	// BaseDir is where the local copy of the model is stored.
	BaseDir string

	// MaxParallelDownload indicates how many files to download at the same time.
	// Default is 20. If <= 0 all files are downloaded in parallel. Set to 1 for
	// sequential downloads.
	MaxParallelDownload int

	// BaseURL of the hub. Defaults to $HF_ENDPOINT, or "https://huggingface.co"
	// if unset. Change it to download from a mirror.
	BaseURL string

	// ShowProgressBar displays a progress bar when a single file is downloaded.
	// Parallel downloads report progress through klog instead. Default is true.
	ShowProgressBar bool

	// Info downloaded from the hub. Only available after DownloadInfo is called.
	Info *Info
}

// New creates a reference to a hub model given its id, typically
// "owner/model" (e.g. "google/gemma-2-2b-it").
//
// The baseDir is suffixed with the model's id (after converting "/" to "_"),
// so the same baseDir can hold different models.
func New(id, authToken, baseDir string) (*Model, error) {
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve baseDir for hub.New()")
	}
	if !path.IsAbs(baseDir) {
		workingDir, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrapf(err, "cannot find current working dir for hub.New() baseDir")
		}
		baseDir = path.Join(workingDir, baseDir)
	}
	baseDir = path.Join(baseDir, strings.Replace(id, "/", "_", -1))
	if err = os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create base directory for model %q in %q", id, baseDir)
	}
	baseURL := os.Getenv("HF_ENDPOINT")
	if baseURL == "" {
		baseURL = "https://huggingface.co"
	}
	return &Model{
		ID:                  id,
		AuthToken:           authToken,
		BaseDir:             baseDir,
		MaxParallelDownload: 20,
		BaseURL:             baseURL,
		ShowProgressBar:     true,
	}, nil
}

// InfoFile caches the model information locally, to prevent going to the
// network on every use. Remove it to force a re-download.
const InfoFile = "_info_.json"

// Info holds the information about a hub model, the JSON served at
// https://huggingface.co/api/models/<model_id>
type Info struct {
	ID       string      `json:"id"`
	ModelID  string      `json:"model_id"`
	Author   string      `json:"author"`
	SHA      string      `json:"sha"`
	Tags     []string    `json:"tags"`
	Siblings []*FileInfo `json:"siblings"`
}

// FileInfo represents one of the model's files, in the Info structure.
type FileInfo struct {
	Name string `json:"rfilename"`
}

// DownloadInfo fetches the model information from the hub -- or reads it from
// the local cache if present. It sets Model.Info on success.
func (m *Model) DownloadInfo() error {
	if m.Info != nil {
		return nil
	}
	infoFilePath := path.Join(m.BaseDir, InfoFile)
	if !fsutil.MustFileExists(infoFilePath) {
		if _, err := download(m.infoURL(), infoFilePath, m.AuthToken, false); err != nil {
			return errors.WithMessagef(err, "failed to download model info from %q", m.infoURL())
		}
	}
	infoJSON, err := os.ReadFile(infoFilePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read model info from %q -- remove the file to have it re-downloaded",
			infoFilePath)
	}
	if err = json.Unmarshal(infoJSON, &m.Info); err != nil {
		return errors.Wrapf(err, "failed to parse model info in %q (downloaded from %q)", infoFilePath, m.infoURL())
	}
	return nil
}

// FileNameAndPath of one model file: Name is the hub-relative name (from the
// info "siblings" field), Path is its location in the local cache.
type FileNameAndPath struct {
	Name, Path string
}

// EnumerateFileNames lists the files stored for the model. It downloads the
// model info (if needed) but not the files themselves; see Download for that.
func (m *Model) EnumerateFileNames() iter.Seq2[FileNameAndPath, error] {
	err := m.DownloadInfo()
	if err != nil {
		return func(yield func(FileNameAndPath, error) bool) {
			yield(FileNameAndPath{}, err)
		}
	}
	return func(yield func(FileNameAndPath, error) bool) {
		for _, sibling := range m.Info.Siblings {
			fileName := sibling.Name
			if path.IsAbs(fileName) || strings.Contains(fileName, "..") {
				yield(FileNameAndPath{}, errors.Errorf("model %q contains illegal file name %q -- it cannot "+
					"be an absolute path, nor contain \"..\"", m.ID, fileName))
				return
			}
			filePath := path.Join(m.BaseDir, fileName)
			if !yield(FileNameAndPath{Name: fileName, Path: filePath}, nil) {
				return
			}
		}
	}
}

// LocalPath returns the local cache path of a model file, and whether it has
// been downloaded already.
func (m *Model) LocalPath(fileName string) (filePath string, exists bool) {
	filePath = path.Join(m.BaseDir, fileName)
	return filePath, fsutil.MustFileExists(filePath)
}

// Download fetches the model info and then any model files not yet in the
// local cache. Files are downloaded to a ".downloading" staging name and
// renamed into place once complete, so the cache never holds partial files.
func (m *Model) Download() error {
	requireDownload := make(map[string]bool)
	for f, err := range m.EnumerateFileNames() {
		if err != nil {
			return err
		}
		if !fsutil.MustFileExists(f.Path) {
			requireDownload[f.Name] = true
		}
	}
	if len(requireDownload) == 0 {
		return nil
	}

	// A single file downloads synchronously, with a progress bar.
	if len(requireDownload) == 1 {
		for fileName := range requireDownload {
			filePath := path.Join(m.BaseDir, fileName)
			if _, err := download(m.urlForFile(fileName), filePath+".downloading", m.AuthToken, m.ShowProgressBar); err != nil {
				return errors.WithMessagef(err, "failed to download %q of model %q", fileName, m.ID)
			}
			if err := os.Rename(filePath+".downloading", filePath); err != nil {
				return errors.Wrapf(err, "failed to rename downloaded file %q", filePath)
			}
		}
		return nil
	}
	klog.V(1).Infof("hub: downloading %d files of model %q to %q", len(requireDownload), m.ID, m.BaseDir)

	mgr := newManager(m.MaxParallelDownload).withAuthToken(m.AuthToken)
	type downloadState struct {
		cancel *xsync.Latch
		bytes  int64
	}
	downloading := make(map[string]*downloadState, len(requireDownload))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var allFilesBytes uint64
	numDownloadedFiles := 0
	var firstError error
	lastLogTime := time.Now()

	for fileName := range requireDownload {
		wg.Add(1)
		filePath := path.Join(m.BaseDir, fileName)
		mu.Lock()
		canceller := mgr.enqueue(m.urlForFile(fileName), filePath+".downloading",
			func(downloadedBytes, totalBytes int64, finished bool, err error) {
				mu.Lock()
				defer mu.Unlock()

				if err == nil {
					if state := downloading[fileName]; state != nil {
						allFilesBytes += uint64(downloadedBytes - state.bytes)
						state.bytes = downloadedBytes
					}
				} else if firstError == nil {
					firstError = err
					for _, state := range downloading {
						state.cancel.Trigger()
					}
				}
				if finished {
					delete(downloading, fileName)
					numDownloadedFiles++
				}
				if finished || time.Since(lastLogTime) > time.Second {
					if firstError == nil {
						klog.V(1).Infof("hub: downloaded %d/%d files, %s",
							numDownloadedFiles, len(requireDownload), humanize.Bytes(allFilesBytes))
					}
					lastLogTime = time.Now()
				}
				if finished {
					if err == nil {
						if renameErr := os.Rename(filePath+".downloading", filePath); renameErr != nil {
							if firstError == nil {
								firstError = errors.Wrapf(renameErr, "failed to rename downloaded file %q", filePath)
								for _, state := range downloading {
									state.cancel.Trigger()
								}
							}
						}
					}
					wg.Done()
				}
			})
		downloading[fileName] = &downloadState{cancel: canceller}
		mu.Unlock()
	}
	wg.Wait()
	return firstError
}

func (m *Model) infoURL() string {
	return fmt.Sprintf("%s/api/models/%s", m.BaseURL, m.ID)
}

func (m *Model) urlForFile(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", m.BaseURL, m.ID, fileName)
}
