package datasource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// reconnectWindow bounds how often a lost connection is re-dialled.
const reconnectWindow = 30 * time.Second

// RemoteDataSource reads a remote host over one persistent SSH connection
// owned by this instance. Pseudo-files are fetched over SFTP when the
// subsystem is available and with cat otherwise; structured queries run the
// equivalent shell command. Nothing is cached across ticks.
type RemoteDataSource struct {
	name    string
	cfg     config.RemoteConfig
	logger  *zap.Logger
	sshCfg  *ssh.ClientConfig
	limiter *rate.Limiter

	client   *ssh.Client
	sftp     *sftp.Client
	tickRate int64
	buffers  map[StreamName]*bytes.Buffer
}

// NewRemote dials the target and prepares the session. Any failure is a
// REMOTE_SESSION error that only concerns this target.
func NewRemote(ctx context.Context, name string, cfg config.RemoteConfig, logger *zap.Logger) (*RemoteDataSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("remote").With(zap.String("target", name), zap.String("host", cfg.Host))

	sshCfg, err := clientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &RemoteDataSource{
		name:     name,
		cfg:      cfg,
		logger:   logger,
		sshCfg:   sshCfg,
		limiter:  rate.NewLimiter(rate.Every(reconnectWindow), 1),
		tickRate: defaultTickRate,
		buffers:  make(map[StreamName]*bytes.Buffer),
	}
	// The initial dial consumes the limiter token so a broken target is not
	// re-dialled immediately after a failed start.
	s.limiter.Allow()
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	if out, err := s.run(ctx, "getconf CLK_TCK"); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil && v > 0 {
			s.tickRate = v
		}
	}

	logger.Info("Remote session established",
		zap.Bool("sftp", s.sftp != nil),
		zap.Int64("tick_rate", s.tickRate))
	return s, nil
}

// clientConfig builds the SSH client configuration from the target's
// credentials.
func clientConfig(cfg config.RemoteConfig, logger *zap.Logger) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		keyBytes, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeRemoteSession, "reading private key", err)
		}
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeRemoteSession, "parsing private key", err)
		}
		auth = append(auth, ssh.PublicKeys(key))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeRemoteSession, "loading known_hosts", err)
		}
		hostKeyCallback = cb
	} else {
		logger.Warn("No known_hosts configured, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout.Duration,
	}, nil
}

// connect dials the host and opens the SFTP subsystem on the same
// connection.
func (s *RemoteDataSource) connect(ctx context.Context) error {
	addr := s.cfg.Address()
	dialer := &net.Dialer{Timeout: s.cfg.Timeout.Duration}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return apperrors.WrapWithContext(apperrors.ErrCodeRemoteSession, "dial", err, map[string]any{"addr": addr})
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.sshCfg)
	if err != nil {
		conn.Close()
		return apperrors.WrapWithContext(apperrors.ErrCodeRemoteSession, "ssh handshake", err, map[string]any{"addr": addr})
	}
	s.client = ssh.NewClient(c, chans, reqs)

	sc, err := sftp.NewClient(s.client)
	if err != nil {
		s.logger.Debug("SFTP subsystem unavailable, falling back to cat", zap.Error(err))
		s.sftp = nil
	} else {
		s.sftp = sc
	}
	return nil
}

// disconnect tears the connection down after a transport failure.
func (s *RemoteDataSource) disconnect() {
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// ensureConnected re-dials a lost connection, at most once per window.
func (s *RemoteDataSource) ensureConnected(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	if !s.limiter.Allow() {
		return apperrors.New(apperrors.ErrCodeRemoteSession, "not connected, waiting to reconnect")
	}
	s.logger.Info("Reconnecting remote session")
	return s.connect(ctx)
}

// run executes one command in a fresh session and returns its stdout.
func (s *RemoteDataSource) run(ctx context.Context, cmd string) ([]byte, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	session, err := s.client.NewSession()
	if err != nil {
		s.disconnect()
		return nil, apperrors.Wrap(apperrors.ErrCodeRemoteSession, "open session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		return nil, apperrors.Wrap(apperrors.ErrCodeSourceUnavailable, "command cancelled", ctx.Err())
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				s.disconnect()
				return nil, apperrors.Wrap(apperrors.ErrCodeRemoteSession, "run command", err)
			}
			return stdout.Bytes(), apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
				"command failed", err, map[string]any{
					"command": cmd,
					"stderr":  strings.TrimSpace(stderr.String()),
				})
		}
	}
	return stdout.Bytes(), nil
}

// Name returns the collection target name.
func (s *RemoteDataSource) Name() string { return s.name }

// TickRate returns CLK_TCK as reported by the remote host.
func (s *RemoteDataSource) TickRate() int64 { return s.tickRate }

func (s *RemoteDataSource) buffer(name StreamName) *bytes.Buffer {
	buf := s.buffers[name]
	if buf == nil {
		buf = new(bytes.Buffer)
		s.buffers[name] = buf
	}
	buf.Reset()
	return buf
}

// Stream fetches the current content of a pseudo-file.
func (s *RemoteDataSource) Stream(ctx context.Context, name StreamName) (io.Reader, error) {
	abs, ok := streamPaths[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInternal, "unknown stream %q", name)
	}
	buf := s.buffer(name)

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if s.sftp != nil {
		err := s.readSFTP(abs, buf)
		if err == nil {
			return buf, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
				"open stream", err, map[string]any{"stream": string(name)})
		}
		s.logger.Debug("SFTP read failed, retrying with cat", zap.String("stream", string(name)), zap.Error(err))
		buf.Reset()
	}

	out, err := s.run(ctx, "cat "+shellQuote(abs))
	if err != nil {
		return nil, err
	}
	buf.Write(out)
	return buf, nil
}

func (s *RemoteDataSource) readSFTP(abs string, buf *bytes.Buffer) error {
	f, err := s.sftp.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = buf.ReadFrom(f)
	return err
}

// DiskUsage runs df for the mount point.
func (s *RemoteDataSource) DiskUsage(ctx context.Context, mountPoint string) (Usage, error) {
	out, err := s.run(ctx, "df -kP -- "+shellQuote(mountPoint))
	if err != nil {
		return Usage{}, err
	}
	return parseDF(out)
}

// CPUTemperature reads every thermal zone and keeps the hottest.
func (s *RemoteDataSource) CPUTemperature(ctx context.Context) float64 {
	out, err := s.run(ctx, "cat /sys/class/thermal/thermal_zone*/temp 2>/dev/null")
	if err != nil && len(out) == 0 {
		s.logger.Debug("No thermal zones readable", zap.Error(err))
		return models.TemperatureUnavailable
	}
	return parseThermalZones(out)
}

// BatteryStatus reads capacity and status of every configured battery.
func (s *RemoteDataSource) BatteryStatus(ctx context.Context, batteries []config.Battery) []models.BatteryInfo {
	out := make([]models.BatteryInfo, 0, len(batteries))
	for _, b := range batteries {
		dir := path.Join(powerSupplyDir, b.Name)
		text, err := s.run(ctx, fmt.Sprintf("cat %s %s",
			shellQuote(path.Join(dir, "capacity")), shellQuote(path.Join(dir, "status"))))
		if err != nil {
			s.logger.Debug("Battery unreadable", zap.String("battery", b.Name), zap.Error(err))
			out = append(out, unknownBattery(b.Name))
			continue
		}
		out = append(out, parseBattery(b.Name, string(text)))
	}
	return out
}

// ProcessSnapshots lists processes with ps. times is cumulative CPU seconds,
// rescaled by the tick rate so the units match the local source.
func (s *RemoteDataSource) ProcessSnapshots(ctx context.Context) (map[int32]RawProcess, error) {
	out, err := s.run(ctx, "ps -eo pid=,rss=,times=,etimes=,comm=")
	if err != nil {
		return nil, err
	}
	return parsePS(out, s.tickRate), nil
}

// InterfaceAddresses parses `ip -o -4 addr show`.
func (s *RemoteDataSource) InterfaceAddresses(ctx context.Context) (map[string]string, error) {
	out, err := s.run(ctx, "ip -o -4 addr show")
	if err != nil {
		return nil, err
	}
	return parseIPAddr(out), nil
}

// ResolveDevice runs readlink -f on the device path.
func (s *RemoteDataSource) ResolveDevice(ctx context.Context, devicePath string) (string, error) {
	out, err := s.run(ctx, "readlink -f -- "+shellQuote(devicePath))
	if err != nil {
		return "", err
	}
	resolved := strings.TrimSpace(string(out))
	if resolved == "" {
		return "", apperrors.Newf(apperrors.ErrCodeSourceUnavailable, "cannot resolve %s", devicePath)
	}
	return path.Base(resolved), nil
}

// ReleaseTransient drops the stream buffers of the finished tick.
func (s *RemoteDataSource) ReleaseTransient() {
	clear(s.buffers)
}

// Close ends the SFTP subsystem and the SSH connection.
func (s *RemoteDataSource) Close() error {
	s.disconnect()
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
