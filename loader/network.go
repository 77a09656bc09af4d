package loader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/imgcache/imaging"
	"github.com/IvanBrykalov/imgcache/resource"
)

const (
	// NetworkDiskCacheName is the disk tier namespace of network avatars.
	NetworkDiskCacheName = "bitmaps/twitter"
	// DefaultUserAgent is sent when NetworkOptions.UserAgent is empty.
	DefaultUserAgent = "imgcache/1.0"
	// DefaultFetchTimeout bounds one HTTP exchange.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxBodyBytes bounds a downloaded image.
	DefaultMaxBodyBytes = 16 << 20
)

// NetworkOptions configures the HTTP strategy. Zero values pick defaults.
type NetworkOptions struct {
	// Client overrides the HTTP client. The default client negotiates gzip
	// and honours Timeout.
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration

	// RateLimit caps fetches per second (0 = unlimited), with Burst.
	RateLimit rate.Limit
	Burst     int

	// CornerRadiusDIP × Density is the corner radius in pixels.
	// 0 => imaging.DefaultCornerRadiusDIP; negative disables rounding.
	CornerRadiusDIP float64
	Density         float64

	// CapFactor bounds the decoded pixel count (see imaging.SampleFactor).
	CapFactor float64
	// MaxPixels refuses images declaring more pixels (see
	// imaging.DecodeOptions).
	MaxPixels int64

	MaxBodyBytes  int64
	DiskCacheName string
}

// Network fetches images over HTTP, downsamples them to the target, rounds
// their corners and stores PNG re-encodings in the disk tier. Fetches are
// serialized on a single worker unless the loader is given another pool.
type Network struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
	radius    float64
	capFactor float64
	maxPixels int64
	maxBody   int64
	diskName  string
}

var _ Strategy = (*Network)(nil)

// NewNetwork builds the HTTP strategy.
func NewNetwork(opt NetworkOptions) *Network {
	if opt.UserAgent == "" {
		opt.UserAgent = DefaultUserAgent
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultFetchTimeout
	}
	if opt.CornerRadiusDIP == 0 {
		opt.CornerRadiusDIP = imaging.DefaultCornerRadiusDIP
	}
	if opt.Density <= 0 {
		opt.Density = 1
	}
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opt.DiskCacheName == "" {
		opt.DiskCacheName = NetworkDiskCacheName
	}
	client := opt.Client
	if client == nil {
		client = &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
			Timeout:   opt.Timeout,
		}
	}

	n := &Network{
		client:    client,
		userAgent: opt.UserAgent,
		radius:    opt.CornerRadiusDIP * opt.Density,
		capFactor: opt.CapFactor,
		maxPixels: opt.MaxPixels,
		maxBody:   opt.MaxBodyBytes,
		diskName:  opt.DiskCacheName,
	}
	if opt.RateLimit > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(opt.RateLimit, burst)
	}
	return n
}

// DiskCacheName returns the disk tier namespace.
func (n *Network) DiskCacheName() string { return n.diskName }

// Workers is 1: network fetches are serialized.
func (n *Network) Workers() int { return 1 }

// FetchAndDecode downloads url. A non-2xx status or an empty body yields a nil
// result, not an error.
func (n *Network) FetchAndDecode(ctx context.Context, url string, w, h int) (*Fetched, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "loader: bad url %q", url)
	}
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "loader: fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.ContentLength == 0 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBody+1))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeNetwork, "loader: read %s", url)
	}
	if len(body) == 0 {
		return nil, nil
	}
	if int64(len(body)) > n.maxBody {
		return nil, errors.Newf(errors.CodeInvalidInput, "loader: %s exceeds %d bytes", url, n.maxBody)
	}

	d, err := imaging.DecodeSampled(body, w, h, imaging.DecodeOptions{CapFactor: n.capFactor, MaxPixels: n.maxPixels})
	if err != nil {
		return nil, err
	}
	img := d.Image
	if n.radius > 0 {
		img = imaging.RoundCorners(img, n.radius)
	}

	f := &Fetched{Payload: resource.NewBitmap(img)}
	var buf bytes.Buffer
	if err := imaging.EncodePNG(&buf, img); err == nil {
		f.Encoded = buf.Bytes()
	}
	return f, nil
}

// Decode reads a disk tier entry. Entries are stored already sized and
// rounded, so no further processing is applied.
func (n *Network) Decode(data []byte, w, h int) (resource.Payload, error) {
	d, err := imaging.DecodeSampled(data, w, h, imaging.DecodeOptions{Raw: true, MaxPixels: n.maxPixels})
	if err != nil {
		return nil, err
	}
	return resource.NewBitmap(d.Image), nil
}
