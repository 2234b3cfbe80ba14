// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import "context"

// CommandPublisher sends commands to devices over their broker.
type CommandPublisher interface {
	// PublishPower switches the relay and waits for the broker acknowledgement.
	PublishPower(ctx context.Context, topic string, on bool) error

	// RequestStatus asks the device for an energy snapshot.
	RequestStatus(ctx context.Context, topic string) error
}
