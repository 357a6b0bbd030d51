package cortex

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/glitch/glitch/probe/cmsis-dap/memap"
)

const (
	regCPUID uint32 = 0xE000ED00
	regPID0         = 0xE000EFE0
)

type Part string

const (
	PartUnknown   Part = ""
	PartCortexM0  Part = "Cortex-M0"
	PartCortexM0P Part = "Cortex-M0+"
	PartCortexM1  Part = "Cortex-M1"
	PartCortexM3  Part = "Cortex-M3"
	PartCortexM4  Part = "Cortex-M4"
	PartCortexM7  Part = "Cortex-M7"
	PartCortexM23 Part = "Cortex-M23"
	PartCortexM33 Part = "Cortex-M33"
)

// Core is the decoded CPUID of a Cortex-M core.
type Core struct {
	CPUID  uint32
	Vendor string
	Part   Part
	FPU    bool
	Rev    uint32
	Patch  uint32
}

func (c Core) String() string {
	fpu := ""
	if c.FPU {
		fpu = "F"
	}
	part := string(c.Part)
	if part == "" {
		part = fmt.Sprintf("part 0x%03x", (c.CPUID>>4)&0xfff)
	}
	return fmt.Sprintf("%s %s%s r%dp%d", c.Vendor, part, fpu, c.Rev, c.Patch)
}

func Decode(cpuid, pid0 uint32) Core {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	c := Core{
		CPUID: cpuid,
		Patch: cpuid & 0xf,
		Rev:   (cpuid >> 20) & 0xf,
		FPU:   pid0 == 0xc,
	}
	switch cpuid >> 24 {
	case 0x41:
		c.Vendor = "ARM"
	default:
		c.Vendor = fmt.Sprintf("0x%02x", cpuid>>24)
	}
	switch (cpuid >> 4) & 0xfff {
	case 0xc20:
		c.Part = PartCortexM0
	case 0xc60:
		c.Part = PartCortexM0P
	case 0xc21:
		c.Part = PartCortexM1
	case 0xc23:
		c.Part = PartCortexM3
	case 0xc24:
		c.Part = PartCortexM4
	case 0xc27:
		c.Part = PartCortexM7
	case 0xd20:
		c.Part = PartCortexM23
	case 0xd21:
		c.Part = PartCortexM33
	}
	return c
}

func GetCore(ctx context.Context, r memap.TargetMemReader) (Core, error) {
	cpuid, err := r.ReadTargetReg(ctx, regCPUID)
	if err != nil {
		return Core{}, errors.Annotatef(err, "failed to get CPUID")
	}
	pid0, err := r.ReadTargetReg(ctx, regPID0)
	if err != nil {
		return Core{}, errors.Annotatef(err, "failed to get PID0")
	}
	return Decode(cpuid, pid0), nil
}

// Device name prefixes and their cores. Longest prefix wins.
var devices = map[string]Part{
	"ATSAME70": PartCortexM7,
	"ATSAMS70": PartCortexM7,
	"ATSAMV70": PartCortexM7,
	"ATSAMV71": PartCortexM7,
	"ATSAME5":  PartCortexM4,
	"ATSAMD5":  PartCortexM4,
	"ATSAMD2":  PartCortexM0P,
	"ATSAML1":  PartCortexM23,
	"STM32F0":  PartCortexM0,
	"STM32F1":  PartCortexM3,
	"STM32F2":  PartCortexM3,
	"STM32F3":  PartCortexM4,
	"STM32F4":  PartCortexM4,
	"STM32F7":  PartCortexM7,
	"STM32H7":  PartCortexM7,
	"STM32L4":  PartCortexM4,
	"NRF51":    PartCortexM0,
	"NRF52":    PartCortexM4,
	"RS14100":  PartCortexM4,
}

// DevicePart returns the core of the named device, if it is known.
func DevicePart(device string) (Part, bool) {
	device = strings.ToUpper(device)
	best := ""
	for prefix := range devices {
		if strings.HasPrefix(device, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return PartUnknown, false
	}
	return devices[best], true
}
