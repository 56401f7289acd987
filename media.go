package onvif

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

// MediaService is implemented by the ver10 and ver20 media handles
type MediaService interface {
	Service
	// Profiles returns the profile tokens read at initialization
	Profiles() []string
	// Streams returns the stream configurations read at initialization
	Streams() []StreamConfig
	GetStreamUri(ctx context.Context, profileToken string) (string, error)
	GetSnapshotUri(ctx context.Context, profileToken string) (string, error)
	// Snapshot downloads a still image from the first profile
	Snapshot(ctx context.Context) (*Image, error)
}

// mediaBase holds what both media versions share
type mediaBase struct {
	*serviceBase
	client  *Client
	streams []StreamConfig
}

func (m *mediaBase) Capability() Capability { return CapabilityMedia }

func (m *mediaBase) Profiles() []string {
	tokens := make([]string, 0, len(m.streams))
	for _, s := range m.streams {
		tokens = append(tokens, s.ProfileToken)
	}
	return tokens
}

func (m *mediaBase) Streams() []StreamConfig {
	return append([]StreamConfig(nil), m.streams...)
}

func (m *mediaBase) snapshot(ctx context.Context, snapshotURI func(context.Context, string) (string, error)) (*Image, error) {
	if len(m.streams) == 0 {
		return nil, errors.NotFoundf("media profile on %s", m.endpoint)
	}
	uri, err := snapshotURI(ctx, m.streams[0].ProfileToken)
	if err != nil {
		return nil, err
	}
	return DownloadImage(ctx, uri, m.client)
}

// streamQuality labels a stream by its width
func streamQuality(width int) string {
	if width >= 1280 {
		return "Main"
	}
	return "Sub"
}

// Media1Service is the ver10 media handle
type Media1Service struct {
	mediaBase
}

func newMedia1Service(ctx context.Context, env ServiceEnv) (Service, error) {
	m := &Media1Service{mediaBase{serviceBase: newServiceBase(env), client: env.Client}}
	if err := m.open(ctx); err != nil {
		return nil, err
	}
	if err := m.loadProfiles(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Media1Service) loadProfiles(ctx context.Context) error {
	var resp mediaGetProfilesResponse
	if err := m.call(ctx, actionMediaGetProfiles, &mediaGetProfiles{}, &resp); err != nil {
		return errors.Annotate(err, "failed to get profiles")
	}

	for _, profile := range resp.Profiles {
		vec := profile.VideoEncoderConfiguration
		config := StreamConfig{
			ProfileName:  profile.Name,
			ProfileToken: profile.Token,
			Resolution:   fmt.Sprintf("%dx%d", vec.Resolution.Width, vec.Resolution.Height),
			Framerate:    vec.RateControl.FrameRateLimit,
			Bitrate:      vec.RateControl.BitrateLimit,
			Encoding:     vec.Encoding,
			Quality:      streamQuality(vec.Resolution.Width),
		}

		uri, err := m.GetStreamUri(ctx, profile.Token)
		if err != nil {
			m.log.Warn().Err(err).Str("profile", profile.Token).Msg("stream URI unavailable")
		}
		config.StreamURI = uri
		m.log.Debug().Str("profile", profile.Name).Str("uri", uri).Msg("media profile")

		m.streams = append(m.streams, config)
	}
	return nil
}

// GetStreamUri retrieves the RTSP stream URI for a given profile token
func (m *Media1Service) GetStreamUri(ctx context.Context, profileToken string) (string, error) {
	req := &mediaGetStreamUri{ProfileToken: profileToken}
	req.StreamSetup.Stream = "RTP-Unicast"
	req.StreamSetup.Transport.Protocol = "RTSP"

	var resp mediaUriResponse
	if err := m.call(ctx, actionMediaGetStreamUri, req, &resp); err != nil {
		return "", errors.Annotate(err, "failed to get stream URI")
	}
	if resp.MediaUri.Uri == "" {
		return "", errors.NotFoundf("stream URI for profile %q", profileToken)
	}
	return resp.MediaUri.Uri, nil
}

// GetSnapshotUri retrieves the JPEG snapshot URI for a given profile token
func (m *Media1Service) GetSnapshotUri(ctx context.Context, profileToken string) (string, error) {
	var resp mediaUriResponse
	if err := m.call(ctx, actionMediaGetSnapshotUri, &mediaGetSnapshotUri{ProfileToken: profileToken}, &resp); err != nil {
		return "", errors.Annotate(err, "failed to get snapshot URI")
	}
	if resp.MediaUri.Uri == "" {
		return "", errors.NotFoundf("snapshot URI for profile %q", profileToken)
	}
	return resp.MediaUri.Uri, nil
}

func (m *Media1Service) Snapshot(ctx context.Context) (*Image, error) {
	return m.snapshot(ctx, m.GetSnapshotUri)
}

// Media2Service is the ver20 media handle
type Media2Service struct {
	mediaBase
}

func newMedia2Service(ctx context.Context, env ServiceEnv) (Service, error) {
	m := &Media2Service{mediaBase{serviceBase: newServiceBase(env), client: env.Client}}
	if err := m.open(ctx); err != nil {
		return nil, err
	}
	if err := m.loadProfiles(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Media2Service) loadProfiles(ctx context.Context) error {
	var resp media2GetProfilesResponse
	if err := m.call(ctx, actionMedia2GetProfiles, &media2GetProfiles{Type: []string{"All"}}, &resp); err != nil {
		return errors.Annotate(err, "failed to get profiles")
	}

	for _, profile := range resp.Profiles {
		enc := profile.Configurations.VideoEncoder
		config := StreamConfig{
			ProfileName:  profile.Name,
			ProfileToken: profile.Token,
			Resolution:   fmt.Sprintf("%dx%d", enc.Resolution.Width, enc.Resolution.Height),
			Framerate:    int(enc.RateControl.FrameRateLimit),
			Bitrate:      enc.RateControl.BitrateLimit,
			Encoding:     enc.Encoding,
			Quality:      streamQuality(enc.Resolution.Width),
		}

		uri, err := m.GetStreamUri(ctx, profile.Token)
		if err != nil {
			m.log.Warn().Err(err).Str("profile", profile.Token).Msg("stream URI unavailable")
		}
		config.StreamURI = uri
		m.log.Debug().Str("profile", profile.Name).Str("uri", uri).Msg("media profile")

		m.streams = append(m.streams, config)
	}
	return nil
}

// GetStreamUri retrieves the RTSP stream URI for a given profile token
func (m *Media2Service) GetStreamUri(ctx context.Context, profileToken string) (string, error) {
	var resp media2UriResponse
	req := &media2GetStreamUri{Protocol: "RTSP", ProfileToken: profileToken}
	if err := m.call(ctx, actionMedia2GetStreamUri, req, &resp); err != nil {
		return "", errors.Annotate(err, "failed to get stream URI")
	}
	if resp.Uri == "" {
		return "", errors.NotFoundf("stream URI for profile %q", profileToken)
	}
	return resp.Uri, nil
}

// GetSnapshotUri retrieves the JPEG snapshot URI for a given profile token
func (m *Media2Service) GetSnapshotUri(ctx context.Context, profileToken string) (string, error) {
	var resp media2UriResponse
	if err := m.call(ctx, actionMedia2GetSnapshotUri, &media2GetSnapshotUri{ProfileToken: profileToken}, &resp); err != nil {
		return "", errors.Annotate(err, "failed to get snapshot URI")
	}
	if resp.Uri == "" {
		return "", errors.NotFoundf("snapshot URI for profile %q", profileToken)
	}
	return resp.Uri, nil
}

func (m *Media2Service) Snapshot(ctx context.Context) (*Image, error) {
	return m.snapshot(ctx, m.GetSnapshotUri)
}
