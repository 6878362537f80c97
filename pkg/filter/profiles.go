package filter

import (
	"sort"
	"strconv"
	"strings"
)

// Profile is a named allow-list of event ids per channel.
type Profile struct {
	Name         string
	IDsByChannel map[string]map[string]struct{}
}

const (
	chSecurity    = "Security"
	chSystem      = "System"
	chSysmon      = "Microsoft-Windows-Sysmon/Operational"
	chPowerShell  = "Microsoft-Windows-PowerShell/Operational"
	chWMI         = "Microsoft-Windows-WMI-Activity/Operational"
	chDefender    = "Microsoft-Windows-Windows Defender/Operational"
	chTaskSched   = "Microsoft-Windows-TaskScheduler/Operational"
	chTSLocal     = "Microsoft-Windows-TerminalServices-LocalSessionManager/Operational"
	chRdpCore     = "Microsoft-Windows-RemoteDesktopServices-RdpCoreTS/Operational"
	chWinRM       = "Microsoft-Windows-WinRM/Operational"
	chAppLockerEx = "Microsoft-Windows-AppLocker/EXE and DLL"
	chAppLockerMS = "Microsoft-Windows-AppLocker/MSI and Script"
	chDNSClient   = "Microsoft-Windows-DNS-Client/Operational"
	chPrint       = "Microsoft-Windows-PrintService/Admin"
)

var profileIDs = map[string]map[string][]int{
	"ir-default": {
		chSecurity: {
			4624, 4625, 4634, 4647, 4648, 4672, 4719, 1102,
			4688, 4689, 4697,
			4698, 4699, 4700, 4701, 4702,
			4720, 4726, 4732, 4733, 4756, 4767,
			4768, 4769, 4771, 4776, 4779,
			4798, 4799,
			4820, 4821, 4822, 4823, 4824,
			4964,
			5140, 5145,
			7045,
		},
		chSysmon:      {1, 2, 3, 7, 8, 10, 11, 12, 13, 22, 23, 24, 25},
		chPowerShell:  {4103, 4104, 600},
		chWMI:         {5857, 5858, 5859, 5860, 5861},
		chDefender:    {1116, 1117, 5007},
		chTaskSched:   {106, 140, 141},
		chTSLocal:     {21, 23, 24, 25},
		chRdpCore:     {131, 140},
		chWinRM:       {91},
		chAppLockerEx: {8002, 8003, 8004},
		chAppLockerMS: {8006, 8007},
		chSystem:      {7036, 7040, 7045},
	},
	"ir-minimal": {
		chSecurity:   {1102, 4719, 4672, 4648, 4625, 4697, 4698, 4702, 7045},
		chSysmon:     {1, 3, 7, 10, 11, 13, 22},
		chPowerShell: {4104},
		chWMI:        {5858, 5859},
		chSystem:     {7040, 7045},
	},
	"forensics-all": {
		chSecurity: {
			4624, 4625, 4634, 4647, 4648, 4672,
			4688, 4689, 4697, 4698, 4699, 4700, 4701, 4702,
			4719, 4720, 4722, 4723, 4724, 4725, 4726,
			4732, 4733, 4738, 4740,
			4756, 4767,
			4768, 4769, 4771, 4776, 4779,
			4798, 4799,
			4818, 4820, 4821, 4822, 4823, 4824,
			4964,
			5140, 5142, 5143, 5144, 5145,
			1102, 7045,
		},
		chSysmon:      {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 22, 23, 24, 25, 26},
		chPowerShell:  {40961, 4100, 4103, 4104, 600},
		chTaskSched:   {100, 101, 102, 106, 140, 141, 200, 201},
		chWMI:         {5857, 5858, 5859, 5860, 5861},
		chDefender:    {1006, 1013, 1116, 1117, 5001, 5007},
		chTSLocal:     {21, 23, 24, 25},
		chRdpCore:     {131, 140},
		chWinRM:       {6, 35, 91},
		chAppLockerEx: {8002, 8003, 8004},
		chAppLockerMS: {8006, 8007},
		chSystem:      {5038, 7034, 7035, 7036, 7040, 7045},
		chDNSClient:   {3008, 3009, 3010},
		chPrint:       {372, 808, 4909, 4910},
	},
}

var profileAliases = map[string]string{
	"ir-default": "ir-default", "default": "ir-default", "ir": "ir-default",
	"ir-minimal": "ir-minimal", "minimal": "ir-minimal", "low-noise": "ir-minimal",
	"forensics-all": "forensics-all", "forensics": "forensics-all", "all": "forensics-all",
}

// GetProfile resolves a profile name or alias, case-insensitively. Unknown
// names yield an empty profile, which restricts nothing.
func GetProfile(name string) Profile {
	canonical, ok := profileAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{Name: name, IDsByChannel: map[string]map[string]struct{}{}}
	}
	out := Profile{Name: canonical, IDsByChannel: map[string]map[string]struct{}{}}
	for ch, ids := range profileIDs[canonical] {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[strconv.Itoa(id)] = struct{}{}
		}
		out.IDsByChannel[ch] = set
	}
	return out
}

// ProfileNames lists the canonical profile names.
func ProfileNames() []string {
	names := make([]string, 0, len(profileIDs))
	for n := range profileIDs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
