// Command test prints the frames seen on a CAN interface, optionally
// sending one frame first.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/CodedInternet/canmotion/onboard/canbus"
	"github.com/pkg/errors"
)

func parseFrame(s string) (canbus.CANMsg, error) {
	// id#data, as cansend takes it
	parts := strings.SplitN(s, "#", 2)
	if len(parts) != 2 {
		return canbus.CANMsg{}, errors.Errorf("frame %q: want id#hexdata", s)
	}
	var id uint32
	if _, err := fmt.Sscanf(parts[0], "%x", &id); err != nil {
		return canbus.CANMsg{}, errors.Wrapf(err, "frame id %q", parts[0])
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return canbus.CANMsg{}, errors.Wrapf(err, "frame data %q", parts[1])
	}
	if len(data) > 8 {
		return canbus.CANMsg{}, errors.Errorf("frame data is %d bytes", len(data))
	}
	return canbus.CANMsg{ID: id, Data: data}, nil
}

func run(iface, send string, duration time.Duration, class int) error {
	fmt.Println("Opening listener on", iface)
	bus, err := canbus.NewCANBus(iface)
	if err != nil {
		return err
	}
	defer bus.Close()

	if send != "" {
		msg, err := parseFrame(send)
		if err != nil {
			return err
		}
		if err := bus.Transmit(msg); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		msg, ok, err := bus.TryReceive(100 * time.Millisecond)
		if err != nil {
			return err
		}
		if !ok || (class >= 0 && int(msg.Class()) != class) {
			continue
		}

		fmt.Printf("0x%03x \tclass %d src %x low %x \t[%d] \t", msg.ID, msg.Class(), msg.Source(), msg.Low(), len(msg.Data))
		for i := 0; i < len(msg.Data); i++ {
			fmt.Printf("%02x ", msg.Data[i])
		}
		fmt.Printf("\n")
	}
	return nil
}

func main() {
	iface := flag.String("iface", "can0", "CAN interface")
	send := flag.String("send", "", "frame to send first, id#hexdata")
	duration := flag.Duration("duration", time.Second, "how long to listen")
	class := flag.Int("class", -1, "only show this message class")
	flag.Parse()

	if err := run(*iface, *send, *duration, *class); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
