package uhci

// I/O register offsets relative to BAR4.
const (
	regUSBCMD    = 0x00 // USB Command (16)
	regUSBSTS    = 0x02 // USB Status (16, write-1-to-clear)
	regUSBINTR   = 0x04 // USB Interrupt Enable (16)
	regFRNUM     = 0x06 // Frame Number (16)
	regFRBASEADD = 0x08 // Frame List Base Address (32)
	regSOFMOD    = 0x0C // Start Of Frame Modify (8)
	regPORTSC1   = 0x10 // Port 1 Status/Control (16)
	regPORTSC2   = 0x12 // Port 2 Status/Control (16)
)

// USBCMD bits.
const (
	cmdRun       = 1 << 0 // RS: run/stop
	cmdHCReset   = 1 << 1 // HCRESET: host controller reset
	cmdGReset    = 1 << 2 // GRESET: global reset
	cmdEGSM      = 1 << 3 // enter global suspend mode
	cmdFGR       = 1 << 4 // force global resume
	cmdSWDBG     = 1 << 5 // software debug
	cmdConfigure = 1 << 6 // CF: configure flag
	cmdMaxPacket = 1 << 7 // MAXP: 64-byte full-speed reclamation packet
)

// USBSTS bits. All are write-1-to-clear except halted.
const (
	stsInterrupt    = 1 << 0 // USBINT: IOC or short packet
	stsError        = 1 << 1 // USB error interrupt
	stsResume       = 1 << 2 // resume detect
	stsSystemError  = 1 << 3 // host system error (PCI)
	stsProcessError = 1 << 4 // host controller process error (schedule)
	stsHalted       = 1 << 5 // HCHalted

	stsAck = stsInterrupt | stsError | stsResume | stsSystemError | stsProcessError
)

// USBINTR bits.
const (
	intrTimeoutCRC  = 1 << 0
	intrResume      = 1 << 1
	intrIOC         = 1 << 2
	intrShortPacket = 1 << 3
)

// PORTSC bits.
const (
	portConnected     = 1 << 0  // CCS
	portConnectChange = 1 << 1  // CSC, write-1-to-clear
	portEnabled       = 1 << 2  // PE
	portEnableChange  = 1 << 3  // PEC, write-1-to-clear
	portLineStatus    = 3 << 4  // D+/D-
	portResumeDetect  = 1 << 6  // RD
	portAlwaysOne     = 1 << 7  // reserved, reads 1
	portLowSpeed      = 1 << 8  // LSDA
	portReset         = 1 << 9  // PR
	portSuspend       = 1 << 12 // SUSP

	portW1C = portConnectChange | portEnableChange
)

// PCI configuration for UHCI functions.
const (
	pciClassSerialBus = 0x0C
	pciSubclassUSB    = 0x03
	pciProgIfUHCI     = 0x00
	pciBARIndex       = 4    // I/O base lives in BAR4 (offset 0x20)
	pciLegacySupport  = 0xC0 // LEGSUP
	legacyDisable     = 0x8F00
	legacyPIRQEnable  = 0x2000
)

// NumPorts is the number of root hub ports on a UHCI controller.
const NumPorts = 2

// Field tables give each register its named bit view.
var (
	commandFields = []Field{
		{"run", cmdRun}, {"hcreset", cmdHCReset}, {"greset", cmdGReset},
		{"egsm", cmdEGSM}, {"fgr", cmdFGR}, {"swdbg", cmdSWDBG},
		{"configure", cmdConfigure}, {"maxp", cmdMaxPacket},
	}
	statusFields = []Field{
		{"interrupt", stsInterrupt}, {"error-interrupt", stsError},
		{"resume-detect", stsResume}, {"system-error", stsSystemError},
		{"process-error", stsProcessError}, {"halted", stsHalted},
	}
	interruptFields = []Field{
		{"timeout-crc", intrTimeoutCRC}, {"resume", intrResume},
		{"ioc", intrIOC}, {"short-packet", intrShortPacket},
	}
	frameNumberFields = []Field{{"frame", 0x07FF}}
	frameBaseFields   = []Field{{"base", 0xFFFFF000}}
	sofFields         = []Field{{"timing", 0x7F}}
	portFields        = []Field{
		{"connected", portConnected}, {"connect-change", portConnectChange},
		{"enabled", portEnabled}, {"enable-change", portEnableChange},
		{"line-status", portLineStatus}, {"resume-detect", portResumeDetect},
		{"low-speed", portLowSpeed}, {"reset", portReset},
		{"suspend", portSuspend},
	}
)

// registers is the full UHCI register set.
type registers struct {
	command     Register
	status      Register
	interrupts  Register
	frameNumber Register
	frameBase   Register
	sof         Register
	ports       [NumPorts]Register
}
