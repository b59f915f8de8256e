package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	"meetmesh/pkg/media"
)

// DeviceConfig points capture at local RTP feeds, for example an ffmpeg or
// gstreamer pipeline sending to 127.0.0.1.
type DeviceConfig struct {
	CameraVideoAddr  string
	CameraAudioAddr  string
	DisplayVideoAddr string
	// IdleTimeout ends a capture whose feed went quiet. Zero waits forever.
	IdleTimeout time.Duration
}

// UDPDevices captures media from RTP-over-UDP feeds.
type UDPDevices struct {
	cfg    DeviceConfig
	logger *zap.SugaredLogger
}

var _ ports.MediaDevices = (*UDPDevices)(nil)

func NewUDPDevices(cfg DeviceConfig, logger *zap.SugaredLogger) *UDPDevices {
	return &UDPDevices{cfg: cfg, logger: logger}
}

func (d *UDPDevices) UserMedia(ctx context.Context) (*media.LocalStream, error) {
	if d.cfg.CameraVideoAddr == "" {
		return nil, fmt.Errorf("%w: no camera feed configured", domain.ErrMediaAcquisition)
	}
	id := "camera-" + uuid.NewString()

	video, err := media.NewGatedTrack(media.VP8Codec, "video", id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	var audio *media.GatedTrack
	if d.cfg.CameraAudioAddr != "" {
		if audio, err = media.NewGatedTrack(media.OpusCodec, "audio", id); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
	}

	stream := media.NewLocalStream(id, media.KindCamera, audio, video)
	if err := d.capture(ctx, stream, d.cfg.CameraVideoAddr, video); err != nil {
		stream.Stop()
		return nil, err
	}
	if audio != nil {
		if err := d.capture(ctx, stream, d.cfg.CameraAudioAddr, audio); err != nil {
			stream.Stop()
			return nil, err
		}
	}
	return stream, nil
}

// DisplayMedia returns domain.ErrCaptureCancelled when no display feed is
// offered, the headless equivalent of dismissing the picker.
func (d *UDPDevices) DisplayMedia(ctx context.Context) (*media.LocalStream, error) {
	if d.cfg.DisplayVideoAddr == "" {
		return nil, fmt.Errorf("%w: no display feed offered", domain.ErrCaptureCancelled)
	}
	id := "display-" + uuid.NewString()

	video, err := media.NewGatedTrack(media.VP8Codec, "video", id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	stream := media.NewLocalStream(id, media.KindDisplay, nil, video)
	if err := d.capture(ctx, stream, d.cfg.DisplayVideoAddr, video); err != nil {
		stream.Stop()
		return nil, err
	}
	return stream, nil
}

func (d *UDPDevices) capture(ctx context.Context, stream *media.LocalStream, addr string, track *media.GatedTrack) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(domain.ErrCaptureCancelled, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", domain.ErrMediaAcquisition, addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", domain.ErrMediaAcquisition, addr, err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)

	stream.AddStopFunc(func() { _ = conn.Close() })
	go d.readLoop(stream, conn, track)

	d.logger.Infow("capture started", "stream_id", stream.ID, "kind", stream.Kind, "track", track.ID(), "addr", conn.LocalAddr().String())
	return nil
}

func (d *UDPDevices) readLoop(stream *media.LocalStream, conn *net.UDPConn, track *media.GatedTrack) {
	buf := make([]byte, 4096)
	pkt := &rtp.Packet{}
	for {
		if d.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout))
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if stream.Stopped() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				d.logger.Infow("capture feed went idle", "stream_id", stream.ID, "track", track.ID())
			} else {
				d.logger.Warnw("capture feed failed", "stream_id", stream.ID, "track", track.ID(), "error", err)
			}
			_ = conn.Close()
			stream.MarkEnded()
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			d.logger.Debugw("dropping malformed rtp packet", "stream_id", stream.ID, "error", err)
			continue
		}
		if err := track.WriteRTP(pkt); err != nil {
			d.logger.Debugw("rtp write failed", "stream_id", stream.ID, "error", err)
		}
	}
}
