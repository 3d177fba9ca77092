// Package stream carries chat messages between the gateway and the
// messaging service over a Kafka topic.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/workspace-chat/pkg/model"
)

// ErrMalformed marks a record whose value is not a JSON message. Readers
// should skip it and keep going.
var ErrMalformed = errors.New("malformed message record")

type Writer struct {
	w *kafka.Writer
}

func NewWriter(brokers []string, topic string) *Writer {
	return &Writer{w: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}}
}

// Publish writes msg keyed by channel so a channel's messages stay on one
// partition.
func (w *Writer) Publish(ctx context.Context, msg model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	err = w.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ChannelID),
		Value: raw,
		Time:  time.Now(),
	})
	return errors.Wrap(err, "write message to kafka")
}

func (w *Writer) Close() error {
	return w.w.Close()
}

type Reader struct {
	r *kafka.Reader
}

// NewReader joins groupID on topic. Consumers sharing a group split the
// partitions; a group of one sees every record.
func NewReader(brokers []string, topic, groupID string, startOffset int64) *Reader {
	return &Reader{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: startOffset,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
	})}
}

// Read blocks for the next record. Decoding failures are wrapped with
// ErrMalformed.
func (r *Reader) Read(ctx context.Context) (model.Message, error) {
	m, err := r.r.ReadMessage(ctx)
	if err != nil {
		return model.Message{}, errors.Wrap(err, "read message from kafka")
	}
	return Decode(m.Value)
}

func (r *Reader) Close() error {
	return r.r.Close()
}

// Decode parses one record value.
func Decode(value []byte) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return model.Message{}, errors.Wrapf(ErrMalformed, "%v", err)
	}
	return msg, nil
}
