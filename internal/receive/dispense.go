package receive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/hl7"
)

// ErrNotDispense is returned by ParseDispense for messages other than RDS^O13.
var ErrNotDispense = errors.New("not a pharmacy dispense message")

// DispenseItem is one ORC/RXD group of a dispense message.
type DispenseItem struct {
	PlacerOrderNumber  string `json:"placer_order_number,omitempty"`
	FillerOrderNumber  string `json:"filler_order_number,omitempty"`
	ProductCode        string `json:"product_code,omitempty"`
	ProductName        string `json:"product_name,omitempty"`
	Quantity           string `json:"quantity,omitempty"`
	Units              string `json:"units,omitempty"`
	DispensingProvider string `json:"dispensing_provider,omitempty"`
}

// Dispense is the content of an RDS^O13 message relevant to billing and the
// patient record.
type Dispense struct {
	ConnectorID        string         `json:"connector_id"`
	ControlID          string         `json:"control_id"`
	SendingApplication string         `json:"sending_application"`
	SendingFacility    string         `json:"sending_facility"`
	MessageTime        time.Time      `json:"message_time,omitzero"`
	PatientID          string         `json:"patient_id,omitempty"`
	PatientName        string         `json:"patient_name,omitempty"`
	Items              []DispenseItem `json:"items"`
	ReceivedAt         time.Time      `json:"received_at"`
	Payload            string         `json:"payload"`
}

// DispenseHandler consumes accepted dispense messages. An error is reported
// to the pharmacy as AE, or as AR when wrapped with idempotency.Permanent.
type DispenseHandler interface {
	HandleDispense(ctx context.Context, d *Dispense) error
}

// DispenseHandlerFunc adapts a function to DispenseHandler.
type DispenseHandlerFunc func(ctx context.Context, d *Dispense) error

// HandleDispense calls f.
func (f DispenseHandlerFunc) HandleDispense(ctx context.Context, d *Dispense) error {
	return f(ctx, d)
}

// LogHandler records dispenses in the log only. It is used when no
// downstream consumer is configured.
func LogHandler(logger *zap.Logger) DispenseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return DispenseHandlerFunc(func(ctx context.Context, d *Dispense) error {
		logger.Info("dispense received",
			zap.String("connector", d.ConnectorID),
			zap.String("control_id", d.ControlID),
			zap.String("patient_id", d.PatientID),
			zap.Int("items", len(d.Items)))
		return nil
	})
}

// ParseDispense extracts the patient and order groups from an RDS^O13.
// Every ORC starts a new item; the RXD that follows it fills in the product.
func ParseDispense(m *hl7.Message) (*Dispense, error) {
	if m.MessageCode() != "RDS" || m.TriggerEvent() != "O13" {
		return nil, fmt.Errorf("%w: %s", ErrNotDispense, m.TypeName())
	}

	d := &Dispense{
		ControlID:          m.ControlID(),
		SendingApplication: m.SendingApplication(),
		SendingFacility:    m.SendingFacility(),
		MessageTime:        m.Timestamp(),
		Items:              []DispenseItem{},
	}

	if pid := m.Segment("PID"); pid != nil {
		d.PatientID = pid.Component(2, 1)
		if d.PatientID == "" {
			d.PatientID = pid.Component(3, 1)
		}
		d.PatientName = pid.Component(5, 1)
	}

	var item *DispenseItem
	for _, seg := range m.Segments {
		switch seg.Name {
		case "ORC":
			d.Items = append(d.Items, DispenseItem{
				PlacerOrderNumber: seg.Component(2, 1),
				FillerOrderNumber: seg.Component(3, 1),
			})
			item = &d.Items[len(d.Items)-1]
		case "RXD":
			if item == nil {
				d.Items = append(d.Items, DispenseItem{})
				item = &d.Items[len(d.Items)-1]
			}
			item.ProductCode = seg.Component(2, 1)
			item.ProductName = seg.Component(2, 2)
			item.Quantity = seg.Field(4)
			item.Units = seg.Component(5, 1)
			item.DispensingProvider = seg.Component(10, 1)
		}
	}

	if len(d.Items) == 0 {
		return nil, errors.New("dispense message has no RXD segment")
	}
	return d, nil
}
