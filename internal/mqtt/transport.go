package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"

	"codeberg.org/mutker/gasmeterd/internal/errors"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Transport delivers a single publish packet to the broker.
type Transport interface {
	Send(ctx context.Context, pub *paho.Publish) error
	Close(ctx context.Context) error
}

// perCallTransport opens a fresh connection for every message and closes it
// afterwards, so a broker restart never leaves the daemon with a dead
// session.
type perCallTransport struct {
	cfg      Config
	clientID string
}

func (t *perCallTransport) Send(ctx context.Context, pub *paho.Publish) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := paho.NewClient(paho.ClientConfig{
		ClientID: t.clientID,
		Conn:     conn,
	})

	connect := &paho.Connect{
		KeepAlive:  t.cfg.KeepAlive,
		ClientID:   t.clientID,
		CleanStart: true,
	}
	if t.cfg.Username != "" {
		connect.Username = t.cfg.Username
		connect.UsernameFlag = true
	}
	if t.cfg.Password != "" {
		connect.Password = []byte(t.cfg.Password)
		connect.PasswordFlag = true
	}

	if _, err := client.Connect(ctx, connect); err != nil {
		return err
	}

	_, pubErr := client.Publish(ctx, pub)
	discErr := client.Disconnect(&paho.Disconnect{ReasonCode: 0})

	if pubErr != nil {
		return pubErr
	}

	return discErr
}

func (t *perCallTransport) dial(ctx context.Context) (net.Conn, error) {
	addr := t.cfg.Address()
	if t.cfg.TLS {
		d := &tls.Dialer{Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: t.cfg.Host,
		}}
		return d.DialContext(ctx, "tcp", addr)
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (*perCallTransport) Close(context.Context) error {
	return nil
}

// persistentTransport keeps one managed session that reconnects in the
// background.
type persistentTransport struct {
	cm *autopaho.ConnectionManager
}

func newPersistentTransport(ctx context.Context, cfg Config, clientID string, p *Publisher) (*persistentTransport, error) {
	scheme := "mqtt"
	if cfg.TLS {
		scheme = "mqtts"
	}
	u, err := url.Parse(scheme + "://" + cfg.Address())
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInvalidConfig, err).WithData(cfg.Address())
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			p.log.Info().Str("broker", cfg.Address()).Msg("Connected to MQTT broker")
		},
		OnConnectError: func(err error) {
			p.log.Warn().Err(err).Str("broker", cfg.Address()).Msg("MQTT connection error")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if cfg.TLS {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Host,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInitFailed, err).WithData("mqtt")
	}

	return &persistentTransport{cm: cm}, nil
}

func (t *persistentTransport) Send(ctx context.Context, pub *paho.Publish) error {
	if err := t.cm.AwaitConnection(ctx); err != nil {
		return err
	}

	_, err := t.cm.Publish(ctx, pub)
	return err
}

func (t *persistentTransport) Close(ctx context.Context) error {
	return t.cm.Disconnect(ctx)
}

// Address returns host:port for the broker.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
