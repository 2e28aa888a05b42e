// Command capture-daemon is a demo binary wiring the capture package's
// orchestrator to real hardware/subprocess adapters (PortAudio, V4L2,
// ffmpeg), configured by internal/config. It plays the same role the
// teacher's cmd/rtmp-server plays for the RTMP core: a peripheral
// entrypoint outside the library's own "no CLI" scope restriction.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alxayo/go-capture/internal/capture"
	"github.com/alxayo/go-capture/internal/config"
	"github.com/alxayo/go-capture/internal/events"
	"github.com/alxayo/go-capture/internal/frame"
	"github.com/alxayo/go-capture/internal/logger"
	"github.com/alxayo/go-capture/internal/muxers/ffmpegmux"
	"github.com/alxayo/go-capture/internal/sources/portaudio"
	"github.com/alxayo/go-capture/internal/sources/v4l2cam"
	"github.com/alxayo/go-capture/internal/syncclock"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "capture-daemon:", err)
		os.Exit(2)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "capture-daemon: %v, using default log level\n", err)
	}
	log := logger.Logger().With("component", "cli")

	evm := events.NewManager(cfg.Hooks, log)
	defer evm.Close()
	wireHooks(evm, cfg)

	audioSrc := portaudiosrc.New(cfg.AudioSampleRate, cfg.AudioChannels, cfg.AudioDevice)

	var videoSrc capture.VideoSource
	if cfg.VideoDevice != "" {
		videoSrc = v4l2cam.New(cfg.VideoDevice)
	}

	orch, err := capture.Open(capture.Config{
		AudioSource: audioSrc,
		VideoSource: videoSrc,
		SyncMode:    syncModeFromString(cfg.SyncMode),
		Logger:      log,
		Events:      evm,
	})
	if err != nil {
		log.Error("failed to open orchestrator", "error", err)
		os.Exit(1)
	}

	stopPaths, err := setupPaths(orch, cfg, log)
	if err != nil {
		log.Error("failed to set up paths", "error", err)
		orch.Close()
		os.Exit(1)
	}

	if err := orch.Start(); err != nil {
		log.Error("failed to start orchestrator", "error", err)
		orch.Close()
		os.Exit(1)
	}
	log.Info("capture daemon started", "paths", len(cfg.Paths))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	for _, done := range stopPaths {
		close(done)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := orch.Stop(); err != nil {
			log.Error("orchestrator stop error", "error", err)
		}
		if err := orch.Close(); err != nil {
			log.Error("orchestrator close error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("capture daemon stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
}

func syncModeFromString(s string) syncclock.Mode {
	switch s {
	case "audio_master":
		return syncclock.ModeAudioMaster
	case "system_master":
		return syncclock.ModeSystemMaster
	default:
		return syncclock.ModeNone
	}
}

// setupPaths configures every path named in cfg, in the order listed.
// Every path, with or without a muxer, gets a drain goroutine so its
// user outlet never backpressures the fan-out solely because nothing is
// consuming it (spec §4.C: a full
// outlet blocks every other outlet's delivery, including the fetcher).
func setupPaths(orch *capture.Orchestrator, cfg config.Config, log interface {
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}) ([]chan struct{}, error) {
	var stopChans []chan struct{}

	for _, pc := range cfg.Paths {
		sink := frame.SinkConfig{
			Audio: frame.AudioInfo{CodecTag: pc.AudioCodec},
			Video: frame.VideoInfo{
				CodecTag: pc.VideoCodec,
				Width:    pc.Width,
				Height:   pc.Height,
				FPS:      pc.FPS,
			},
		}

		h, err := orch.SetupPath(sink)
		if err != nil {
			return nil, fmt.Errorf("path %q: setup: %w", pc.Name, err)
		}

		if pc.Mux {
			sliceDur := defaultSliceDurationFor(pc)
			base := capture.MuxerBaseConfig{
				MuxerType:     "ffmpeg",
				SliceDuration: sliceDur,
			}
			if pc.OutputDir != "" {
				dir := pc.OutputDir
				name := pc.Name
				base.URLPattern = func(sliceIndex int) string {
					return fmt.Sprintf("%s/%s-%03d.%s", dir, name, sliceIndex, containerExtFor(pc.ContainerFmt))
				}
			}
			mux := ffmpegmux.New()
			mcfg := ffmpegmux.Config{ContainerFormat: pc.ContainerFmt}
			if err := orch.AddMuxerToPath(h, base, mcfg, mux); err != nil {
				return nil, fmt.Errorf("path %q: add muxer: %w", pc.Name, err)
			}
		}

		mode := capture.RunContinuous
		if pc.RunOnce {
			mode = capture.RunOnce
		}
		if err := orch.EnablePath(h, mode, true); err != nil {
			return nil, fmt.Errorf("path %q: enable: %w", pc.Name, err)
		}
		if pc.Mux {
			if err := orch.EnableMuxer(h, true); err != nil {
				return nil, fmt.Errorf("path %q: enable muxer: %w", pc.Name, err)
			}
		}
		if pc.BitrateBPS > 0 {
			if err := orch.SetPathBitrate(h, pc.BitrateBPS); err != nil {
				log.Error("set bitrate failed", "path", pc.Name, "error", err)
			}
		}

		stop := make(chan struct{})
		stopChans = append(stopChans, stop)
		go drainPath(orch, h, sink, stop, log)
	}

	return stopChans, nil
}

// drainPath keeps a path's user outlet moving (a muxer, if any, drains
// only the other outlet): it discards every frame it acquires,
// immediately releasing it.
func drainPath(orch *capture.Orchestrator, h capture.PathHandle, sink frame.SinkConfig, stop <-chan struct{}, log interface {
	Error(msg string, args ...any)
}) {
	kind := frame.KindAudio
	if !sink.Audio.HasCodec() && sink.Video.HasCodec() {
		kind = frame.KindVideo
	}
	for {
		select {
		case <-stop:
			return
		default:
		}
		f, err := orch.AcquirePathFrame(h, kind, true)
		if err != nil {
			return
		}
		if err := orch.ReleasePathFrame(h, f); err != nil {
			log.Error("release frame failed", "error", err)
		}
	}
}

func defaultSliceDurationFor(pc config.PathConfig) time.Duration {
	if pc.SliceDuration == "" {
		return 0
	}
	d, err := time.ParseDuration(pc.SliceDuration)
	if err != nil {
		return 0
	}
	return d
}

func containerExtFor(format string) string {
	switch format {
	case "matroska":
		return "mkv"
	case "":
		return "mp4"
	default:
		return format
	}
}

func wireHooks(evm *events.Manager, cfg config.Config) {
	timeout := 30 * time.Second
	if d, err := time.ParseDuration(cfg.Hooks.Timeout); err == nil {
		timeout = d
	}
	for eventType, script := range cfg.HookScripts {
		_ = evm.Register(events.Type(eventType), events.NewShellHook(eventType+"-script", script, timeout))
	}
	for eventType, url := range cfg.HookWebhooks {
		_ = evm.Register(events.Type(eventType), events.NewWebhookHook(eventType+"-webhook", url, timeout))
	}
}
