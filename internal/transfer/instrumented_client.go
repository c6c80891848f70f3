package transfer

import (
	"context"

	"github.com/italolelis/emby_downloader/internal/telemetry"
)

// InstrumentedMetadataProvider wraps MetadataProvider with telemetry.
type InstrumentedMetadataProvider struct {
	provider   MetadataProvider
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedMetadataProvider creates a new instrumented metadata provider.
func NewInstrumentedMetadataProvider(provider MetadataProvider, tel *telemetry.Telemetry, clientType string) *InstrumentedMetadataProvider {
	return &InstrumentedMetadataProvider{
		provider:   provider,
		telemetry:  tel,
		clientType: clientType,
	}
}

// GetItem resolves an item with telemetry.
func (p *InstrumentedMetadataProvider) GetItem(ctx context.Context, itemID string) (*Item, error) {
	var result *Item

	err := p.telemetry.InstrumentClientOperation(ctx, p.clientType, "get_item", func(ctx context.Context) error {
		var err error
		result, err = p.provider.GetItem(ctx, itemID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (p *InstrumentedMetadataProvider) StreamURL(itemID string) string {
	return p.provider.StreamURL(itemID)
}

// InstrumentedTransport wraps Transport with telemetry. Only the request
// phase is measured; the body is consumed by the caller.
type InstrumentedTransport struct {
	transport  Transport
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedTransport creates a new instrumented transport.
func NewInstrumentedTransport(transport Transport, tel *telemetry.Telemetry, clientType string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport:  transport,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Probe discovers the resource size with telemetry.
func (t *InstrumentedTransport) Probe(ctx context.Context, url string) (int64, error) {
	var size int64

	err := t.telemetry.InstrumentClientOperation(ctx, t.clientType, "probe", func(ctx context.Context) error {
		var err error
		size, err = t.transport.Probe(ctx, url)

		return err
	})

	return size, err
}

// Open starts the (ranged) request with telemetry.
func (t *InstrumentedTransport) Open(ctx context.Context, url string, resumeFrom int64) (Stream, error) {
	var stream Stream

	err := t.telemetry.InstrumentClientOperation(ctx, t.clientType, "open", func(ctx context.Context) error {
		var err error
		stream, err = t.transport.Open(ctx, url, resumeFrom)

		return err
	})
	if err != nil {
		return nil, err
	}

	return stream, nil
}
