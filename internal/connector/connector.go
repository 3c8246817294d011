// Package connector defines HL7 endpoints and the live registry that
// announces their changes.
package connector

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Kind distinguishes outbound from inbound connectors.
type Kind string

const (
	// KindSender connectors deliver queued messages to a remote MLLP listener.
	KindSender Kind = "sender"
	// KindReceiver connectors accept messages on a local MLLP port.
	KindReceiver Kind = "receiver"
)

// DefaultTimeout is the send-and-receive timeout used when none is configured.
const DefaultTimeout = 30 * time.Second

// Connector is an HL7 endpoint.
type Connector struct {
	ID   string `json:"id" mapstructure:"id"`
	Name string `json:"name,omitempty" mapstructure:"name"`
	Kind Kind   `json:"kind" mapstructure:"kind"`
	Host string `json:"host,omitempty" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	Suspended bool `json:"suspended" mapstructure:"suspended"`

	SendingApplication   string `json:"sending_application,omitempty" mapstructure:"sending_application"`
	SendingFacility      string `json:"sending_facility,omitempty" mapstructure:"sending_facility"`
	ReceivingApplication string `json:"receiving_application,omitempty" mapstructure:"receiving_application"`
	ReceivingFacility    string `json:"receiving_facility,omitempty" mapstructure:"receiving_facility"`

	IncludeMillis   bool `json:"include_millis" mapstructure:"include_millis"`
	IncludeTimeZone bool `json:"include_timezone" mapstructure:"include_timezone"`

	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// IsSender reports whether the connector owns an outbound queue.
func (c Connector) IsSender() bool {
	return c.Kind == KindSender
}

// Address returns host:port.
func (c Connector) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SendTimeout returns the configured timeout or DefaultTimeout.
func (c Connector) SendTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// String implements fmt.Stringer.
func (c Connector) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.ID)
	}
	return c.ID
}

// Validate checks that the connector is usable.
func (c Connector) Validate() error {
	if c.ID == "" {
		return errors.New("connector id is required")
	}
	switch c.Kind {
	case KindSender:
		if c.Host == "" {
			return fmt.Errorf("connector %s: host is required for senders", c.ID)
		}
	case KindReceiver:
	default:
		return fmt.Errorf("connector %s: unknown kind %q", c.ID, c.Kind)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("connector %s: invalid port %d", c.ID, c.Port)
	}
	return nil
}
