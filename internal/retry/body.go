package retry

import (
	"bytes"
	"io"
	"net/http"
)

// BufferBody reads up to max bytes of r's body into memory so the request
// can be replayed, and installs GetBody. A body larger than max is left
// streamable (buffered prefix followed by the unread remainder) and false
// is returned; such a request must not be retried.
func BufferBody(r *http.Request, max int64) (bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return true, nil
	}
	if r.ContentLength > max {
		return false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return false, err
	}

	if int64(len(buf)) > max {
		r.Body = &prefixedBody{
			Reader: io.MultiReader(bytes.NewReader(buf), r.Body),
			closer: r.Body,
		}
		return false, nil
	}

	r.Body.Close()
	r.ContentLength = int64(len(buf))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	r.Body, _ = r.GetBody()
	return true, nil
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error { return b.closer.Close() }
