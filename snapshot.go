package onvif

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/juju/errors"
	dac "github.com/xinsnake/go-http-digest-auth-client"
)

// DownloadImage fetches uri with the client's credentials using HTTP digest
// authentication. The response must carry an image/* content type.
func DownloadImage(ctx context.Context, uri string, client *Client) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid snapshot URI %q", uri)
	}

	var resp *http.Response
	if client.Username == "" {
		resp, err = client.httpClient().Do(req)
	} else {
		t := dac.NewTransport(client.Username, client.Password)
		t.HTTPClient = client.httpClient()
		resp, err = t.RoundTrip(req)
	}
	if err != nil {
		return nil, errors.Annotate(err, "snapshot request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.Unauthorizedf("snapshot %s", uri)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("camera returned %s for snapshot", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		client.Logger.Error().Str("contentType", contentType).Str("uri", uri).Msg("incompatible snapshot content type")
		return nil, errors.NotValidf("snapshot content type %q", contentType)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read snapshot")
	}
	return &Image{Body: body, Format: mediaType}, nil
}
