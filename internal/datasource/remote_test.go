package datasource

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/Guliveer/vitalis/telemetry/internal/config"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

const loadAvgLine = "0.50 0.25 0.10 1/100 42\n"

// sshServer is an in-process SSH server answering exec requests from a
// fixed command table and, when files is non-nil, the sftp subsystem from
// an in-memory file set.
type sshServer struct {
	ln       net.Listener
	cfg      *ssh.ServerConfig
	files    memFiles
	commands map[string]string

	mu    sync.Mutex
	conns []net.Conn
	dials int
	execs []string
}

func newSSHServer(t *testing.T, files map[string]string, commands map[string]string) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "collector" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &sshServer{ln: ln, cfg: cfg, commands: commands}
	if files != nil {
		s.files = memFiles(files)
	}
	t.Cleanup(func() {
		ln.Close()
		s.dropConnections()
	})
	go s.accept()
	return s
}

func (s *sshServer) remoteConfig(password string) config.RemoteConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return config.RemoteConfig{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		User:     "collector",
		Password: password,
		Timeout:  config.Duration{Duration: 5 * time.Second},
	}
}

func (s *sshServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.dials++
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *sshServer) serve(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, chReqs)
	}
}

func (s *sshServer) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			s.mu.Lock()
			s.execs = append(s.execs, p.Command)
			s.mu.Unlock()

			status := uint32(0)
			if out, ok := s.commands[p.Command]; ok {
				io.WriteString(ch, out)
			} else {
				io.WriteString(ch.Stderr(), "command not found\n")
				status = 127
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		case "subsystem":
			var p struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Name != "sftp" || s.files == nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			srv := sftp.NewRequestServer(ch, sftp.Handlers{
				FileGet:  s.files,
				FilePut:  s.files,
				FileCmd:  s.files,
				FileList: s.files,
			})
			srv.Serve()
			srv.Close()
			return
		default:
			req.Reply(false, nil)
		}
	}
}

// dropConnections cuts every live connection, as a network failure would.
func (s *sshServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *sshServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *sshServer) ranCommand(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.execs {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// memFiles serves read-only files over sftp.
type memFiles map[string]string

func (m memFiles) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	content, ok := m[r.Filepath]
	if !ok {
		return nil, os.ErrNotExist
	}
	return strings.NewReader(content), nil
}

func (m memFiles) Filewrite(*sftp.Request) (io.WriterAt, error) { return nil, os.ErrPermission }

func (m memFiles) Filecmd(*sftp.Request) error { return os.ErrPermission }

func (m memFiles) Filelist(*sftp.Request) (sftp.ListerAt, error) { return nil, os.ErrPermission }

func readAllStream(t *testing.T, src DataSource, name StreamName) string {
	t.Helper()
	r, err := src.Stream(context.Background(), name)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestNewRemote_UnreachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = NewRemote(context.Background(), "gone", config.RemoteConfig{
		Host:     "127.0.0.1",
		Port:     port,
		User:     "collector",
		Password: "secret",
		Timeout:  config.Duration{Duration: time.Second},
	}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRemoteSession), "got %v", err)
}

func TestNewRemote_RejectedCredentials(t *testing.T) {
	srv := newSSHServer(t, nil, nil)

	_, err := NewRemote(context.Background(), "box", srv.remoteConfig("wrong"), zap.NewNop())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRemoteSession), "got %v", err)
}

func TestRemote_StreamOverSFTP(t *testing.T) {
	srv := newSSHServer(t,
		map[string]string{"/proc/loadavg": loadAvgLine},
		map[string]string{"getconf CLK_TCK": "250\n"})

	src, err := NewRemote(context.Background(), "box", srv.remoteConfig("secret"), zap.NewNop())
	require.NoError(t, err)
	defer src.Close()

	assert.NotNil(t, src.sftp)
	assert.Equal(t, int64(250), src.TickRate())
	assert.Equal(t, loadAvgLine, readAllStream(t, src, StreamLoadAvg))
	assert.False(t, srv.ranCommand("cat"), "sftp read must not fall back to cat")

	// A file missing on the host is SOURCE_UNAVAILABLE without a cat retry.
	_, err = src.Stream(context.Background(), StreamBuddyInfo)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSourceUnavailable), "got %v", err)
	assert.False(t, srv.ranCommand("cat"))
}

func TestRemote_StreamFallsBackToCat(t *testing.T) {
	srv := newSSHServer(t, nil, map[string]string{
		"cat '/proc/loadavg'": loadAvgLine,
		"ps -eo pid=,rss=,times=,etimes=,comm=": "    1  1024  2  100 init\n",
	})

	src, err := NewRemote(context.Background(), "box", srv.remoteConfig("secret"), zap.NewNop())
	require.NoError(t, err)
	defer src.Close()

	assert.Nil(t, src.sftp)
	assert.Equal(t, int64(defaultTickRate), src.TickRate(), "getconf failed, default kept")
	assert.Equal(t, loadAvgLine, readAllStream(t, src, StreamLoadAvg))

	procs, err := src.ProcessSnapshots(context.Background())
	require.NoError(t, err)
	require.Contains(t, procs, int32(1))
	assert.Equal(t, "init", procs[1].Name)
	assert.Equal(t, uint64(2*defaultTickRate), procs[1].CPUTicks)

	// A failing command is a per-call error; the session stays up.
	_, err = src.Stream(context.Background(), StreamBuddyInfo)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSourceUnavailable), "got %v", err)
	assert.NotNil(t, src.client)
}

func TestRemote_ReleaseTransientDropsBuffers(t *testing.T) {
	srv := newSSHServer(t, map[string]string{
		"/proc/loadavg": loadAvgLine,
		"/proc/uptime":  "100.00 50.00\n",
	}, nil)

	src, err := NewRemote(context.Background(), "box", srv.remoteConfig("secret"), zap.NewNop())
	require.NoError(t, err)
	defer src.Close()

	readAllStream(t, src, StreamLoadAvg)
	readAllStream(t, src, StreamUptime)
	assert.Len(t, src.buffers, 2)

	src.ReleaseTransient()
	assert.Empty(t, src.buffers)
	assert.Equal(t, loadAvgLine, readAllStream(t, src, StreamLoadAvg), "next tick reads afresh")
}

func TestRemote_ReconnectIsRateLimited(t *testing.T) {
	srv := newSSHServer(t, nil, map[string]string{"ip -o -4 addr show": "2: eth0    inet 10.0.0.5/24 scope global eth0\n"})
	ctx := context.Background()

	src, err := NewRemote(ctx, "box", srv.remoteConfig("secret"), zap.NewNop())
	require.NoError(t, err)
	defer src.Close()
	require.Equal(t, 1, srv.dialCount())

	client := src.client
	srv.dropConnections()
	client.Wait()

	_, err = src.InterfaceAddresses(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRemoteSession), "got %v", err)
	assert.Nil(t, src.client, "transport failure tears the session down")

	// The start-up dial used the only token in the window.
	_, err = src.InterfaceAddresses(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRemoteSession), "got %v", err)
	assert.Equal(t, 1, srv.dialCount(), "no dial inside the reconnect window")

	src.limiter = rate.NewLimiter(rate.Inf, 1)
	addrs, err := src.InterfaceAddresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", addrs["eth0"])
	assert.Equal(t, 2, srv.dialCount())
}
