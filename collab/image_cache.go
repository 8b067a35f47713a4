package collab

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

type ImageFetcher interface {
	// returns the bytes and the mime type
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type HttpImageFetcherSettings struct {
	ConnectTimeout time.Duration
	TlsTimeout     time.Duration
	RequestTimeout time.Duration
	MaxImageSize   ByteCount
}

func DefaultHttpImageFetcherSettings() *HttpImageFetcherSettings {
	return &HttpImageFetcherSettings{
		ConnectTimeout: 5 * time.Second,
		TlsTimeout:     5 * time.Second,
		RequestTimeout: 60 * time.Second,
		MaxImageSize:   mib(32),
	}
}

type HttpImageFetcher struct {
	client   *http.Client
	settings *HttpImageFetcherSettings
}

func NewHttpImageFetcherWithDefaults() *HttpImageFetcher {
	return NewHttpImageFetcher(DefaultHttpImageFetcherSettings())
}

func NewHttpImageFetcher(settings *HttpImageFetcherSettings) *HttpImageFetcher {
	dialer := &net.Dialer{
		Timeout: settings.ConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.TlsTimeout,
	}
	return &HttpImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.RequestTimeout,
		},
		settings: settings,
	}
}

func (self *HttpImageFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	res, err := self.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("Bad status %d for %s.", res.StatusCode, url)
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, int64(self.settings.MaxImageSize)+1))
	if err != nil {
		return nil, "", err
	}
	if self.settings.MaxImageSize < ByteCount(len(b)) {
		return nil, "", fmt.Errorf("Image too large %s.", url)
	}
	mimeType := res.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(b)
	}
	return b, mimeType, nil
}

type cachedImage struct {
	data     []byte
	mimeType string
}

// session scoped read through cache of images by url
// concurrent misses for the same url share one fetch. entries are never evicted
type ImageCache struct {
	fetcher ImageFetcher
	group   singleflight.Group

	stateLock sync.Mutex
	images    map[string]*cachedImage
}

func NewImageCache(fetcher ImageFetcher) *ImageCache {
	return &ImageCache{
		fetcher: fetcher,
		images:  map[string]*cachedImage{},
	}
}

func (self *ImageCache) cached(url string) (*cachedImage, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	image, ok := self.images[url]
	return image, ok
}

func (self *ImageCache) Get(ctx context.Context, url string) ([]byte, string, error) {
	if image, ok := self.cached(url); ok {
		return image.data, image.mimeType, nil
	}

	c := self.group.DoChan(url, func() (any, error) {
		if image, ok := self.cached(url); ok {
			return image, nil
		}
		glog.V(1).Infof("[img]fetch %s\n", url)
		// the shared fetch is not bound to any one caller
		data, mimeType, err := self.fetcher.Fetch(context.WithoutCancel(ctx), url)
		if err != nil {
			return nil, err
		}
		image := &cachedImage{
			data:     data,
			mimeType: mimeType,
		}
		self.stateLock.Lock()
		self.images[url] = image
		self.stateLock.Unlock()
		return image, nil
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case result := <-c:
		if result.Err != nil {
			return nil, "", result.Err
		}
		image := result.Val.(*cachedImage)
		return image.data, image.mimeType, nil
	}
}

func (self *ImageCache) Contains(url string) bool {
	_, ok := self.cached(url)
	return ok
}

func (self *ImageCache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.images)
}
