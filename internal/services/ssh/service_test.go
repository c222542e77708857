package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/pgmultibackup/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type mockSSHSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
}

func (m *mockSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSSHSession) Close() error {
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	onClose        func()
	closed         bool
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) Close() error {
	m.closed = true
	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func generateTestKey(t *testing.T) []byte {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	return pem.EncodeToMemory(pemBlock)
}

func testConfig(t *testing.T) models.SSHShutdownConfig {
	t.Helper()

	return models.SSHShutdownConfig{
		Host:          "192.168.1.50",
		Port:          22,
		Username:      "root",
		PrivateKey:    generateTestKey(t),
		ShutdownDelay: 1,
		OS:            "linux",
	}
}

// sessionFactory returns a factory whose sessions record the executed command.
func sessionFactory(cmd *string, output []byte, err error) *mockClientFactory {
	return &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(c string) ([]byte, error) {
							*cmd = c
							return output, err
						},
					}, nil
				},
			}, nil
		},
	}
}

func TestShutdown_Success(t *testing.T) {
	var capturedAddr, capturedUser, capturedCmd string

	client := &mockSSHClient{
		newSessionFunc: func() (SSHSession, error) {
			return &mockSSHSession{
				combinedOutputFunc: func(cmd string) ([]byte, error) {
					capturedCmd = cmd
					return []byte("Shutdown scheduled"), nil
				},
			}, nil
		},
	}
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			capturedAddr = addr
			capturedUser = config.User
			return client, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Nil(t, result.Error)
	assert.True(t, result.CommandRun)
	assert.Equal(t, "Shutdown scheduled", result.Output)
	assert.Equal(t, "192.168.1.50:22", capturedAddr)
	assert.Equal(t, "root", capturedUser)
	assert.Equal(t, "sudo shutdown -h +1", capturedCmd)
	assert.True(t, client.closed)
}

func TestShutdown_Windows(t *testing.T) {
	var capturedCmd string

	cfg := testConfig(t)
	cfg.OS = "windows"
	cfg.ShutdownDelay = 2

	svc := NewWithClientFactory(testLogger(), sessionFactory(&capturedCmd, nil, nil))
	result, err := svc.Shutdown(context.Background(), cfg)

	require.NoError(t, err)
	assert.Nil(t, result.Error)
	assert.Equal(t, "shutdown /s /t 120", capturedCmd)
}

func TestShutdown_CommandErrorIgnored(t *testing.T) {
	var capturedCmd string

	svc := NewWithClientFactory(testLogger(), sessionFactory(&capturedCmd, []byte("Connection closed"), errors.New("wait: remote command exited without exit status")))
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
	assert.Equal(t, "Connection closed", result.Output)
}

func TestShutdown_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to connect")
}

func TestShutdown_SessionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return nil, errors.New("session limit reached")
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to create session")
}

func TestShutdown_NoPrivateKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrivateKey = nil

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	result, err := svc.Shutdown(context.Background(), cfg)

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "no private key provided")
}

func TestShutdown_InvalidPrivateKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrivateKey = []byte("not a key")

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	result, err := svc.Shutdown(context.Background(), cfg)

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to parse private key")
}

func TestShutdown_ContextCancelled(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			time.Sleep(200 * time.Millisecond)
			return &mockSSHClient{}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(ctx, testConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestShutdown_ContextCancelledClosesLateClient(t *testing.T) {
	release := make(chan struct{})
	closed := make(chan struct{})

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			<-release
			return &mockSSHClient{onClose: func() { close(closed) }}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(ctx, testConfig(t))

	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.Canceled)

	close(release)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client connected after cancellation was not closed")
	}
}

func TestTestConnection_Success(t *testing.T) {
	var capturedCmd string

	svc := NewWithClientFactory(testLogger(), sessionFactory(&capturedCmd, []byte("OK\n"), nil))
	result, err := svc.TestConnection(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.Nil(t, result.Error)
	assert.Equal(t, "echo OK", capturedCmd)
	assert.Equal(t, "OK\n", result.Output)
}

func TestTestConnection_CommandFailed(t *testing.T) {
	var capturedCmd string

	svc := NewWithClientFactory(testLogger(), sessionFactory(&capturedCmd, nil, errors.New("permission denied")))
	result, err := svc.TestConnection(context.Background(), testConfig(t))

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "test command failed")
}

func TestShutdownCommand(t *testing.T) {
	tests := []struct {
		name     string
		os       string
		delay    int
		expected string
	}{
		{"linux delayed", "linux", 5, "sudo shutdown -h +5"},
		{"linux now", "linux", 0, "sudo shutdown -h now"},
		{"default os", "", 1, "sudo shutdown -h +1"},
		{"windows delayed", "windows", 3, "shutdown /s /t 180"},
		{"windows minimum", "windows", 0, "shutdown /s /t 60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := models.SSHShutdownConfig{OS: tt.os, ShutdownDelay: tt.delay}
			assert.Equal(t, tt.expected, ShutdownCommand(cfg))
		})
	}
}

func TestBuildConfig_WithKeyPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, generateTestKey(t), 0o600))

	cfg := testConfig(t)
	cfg.PrivateKey = nil
	cfg.KeyPath = keyPath
	cfg.Username = "backup"

	svc := New(testLogger())
	sshConfig, err := svc.buildConfig(cfg)

	require.NoError(t, err)
	assert.Equal(t, "backup", sshConfig.User)
	assert.Len(t, sshConfig.Auth, 1)
	assert.Equal(t, 30*time.Second, sshConfig.Timeout)
}

func TestBuildConfig_KeyPathNotFound(t *testing.T) {
	cfg := testConfig(t)
	cfg.PrivateKey = nil
	cfg.KeyPath = "/nonexistent/key"

	svc := New(testLogger())
	_, err := svc.buildConfig(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read private key")
}
