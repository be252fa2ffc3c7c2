package hardware

// Consumer labels every GPIO line this service requests.
const Consumer = "pod-service"

// Channel names
const (
	ChannelEStop     = "estop"
	ChannelBrakeLamp = "brake_lamp"
)
