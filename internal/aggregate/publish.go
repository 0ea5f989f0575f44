package aggregate

import (
	"context"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// FTPOptions configures the report drop.
type FTPOptions struct {
	Host     string // host or host:port
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTPPublisher uploads report files to an FTP server.
type FTPPublisher struct {
	opts FTPOptions
}

// NewFTPPublisher creates a publisher. An empty user logs in anonymously.
func NewFTPPublisher(opts FTPOptions) *FTPPublisher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.User == "" {
		opts.User, opts.Password = "anonymous", "anonymous@"
	}
	if _, _, err := net.SplitHostPort(opts.Host); err != nil {
		opts.Host = net.JoinHostPort(opts.Host, "21")
	}
	return &FTPPublisher{opts: opts}
}

// RemotePath returns where a local file ends up on the server.
func (p *FTPPublisher) RemotePath(localPath string) string {
	name := filepath.Base(localPath)
	if p.opts.Dir == "" {
		return name
	}
	return path.Join(p.opts.Dir, name)
}

// Publish uploads localPath and returns the remote path.
func (p *FTPPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", eris.Wrap(err, "ftp publish: open report")
	}
	defer f.Close() //nolint:errcheck

	conn, err := ftp.Dial(p.opts.Host, ftp.DialWithTimeout(p.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", eris.Wrap(err, "ftp publish: dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(p.opts.User, p.opts.Password); err != nil {
		return "", eris.Wrap(err, "ftp publish: login")
	}

	remote := p.RemotePath(localPath)
	if err := conn.Stor(remote, f); err != nil {
		return "", eris.Wrapf(err, "ftp publish: store %s", remote)
	}

	zap.L().Info("report published",
		zap.String("component", "aggregate"),
		zap.String("host", p.opts.Host),
		zap.String("path", remote))
	return remote, nil
}
