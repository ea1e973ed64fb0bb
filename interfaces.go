package kiroku

import (
	"github.com/ashita-ai/kiroku/internal/backgrounding"
	"github.com/ashita-ai/kiroku/internal/clock"
	"github.com/ashita-ai/kiroku/internal/delivery"
	"github.com/ashita-ai/kiroku/internal/idgen"
	"github.com/ashita-ai/kiroku/internal/persistence"
	"github.com/ashita-ai/kiroku/internal/service/retry"
)

// Delivery sends one payload to the collector and reports the outcome.
// When provided via WithDelivery, replaces the HTTP transport.
type Delivery = delivery.Delivery

// DeliveryFunc adapts a function to Delivery.
type DeliveryFunc = delivery.Func

// RetryQueue holds payloads that failed with a retryable outcome. Add is
// called after such a failure; Flush after every successful delivery.
type RetryQueue = retry.Queue

// Persistence stores small values (sampling probability, device id) across
// restarts.
type Persistence = persistence.Store

// BackgroundingListener reports when the process moves between foreground
// and background.
type BackgroundingListener = backgrounding.Listener

// Clock is the time source for span timestamps and batch timers.
type Clock = clock.Clock

// IDGenerator produces hex span and trace ids.
type IDGenerator = idgen.Generator
