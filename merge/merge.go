// Package merge fuses directory devices and locally discovered devices into
// one list. It is pure: equal inputs always give equal output.
package merge

import (
	"sort"
	"strings"

	"homereach/models"
)

// Probes maps certificate common name to probe key to probe result. Keys
// are RemotePath.Key() for directory paths and ProbeSource.Key() for mDNS
// endpoints.
type Probes map[string]map[string]models.PathProbe

// Merge builds the merged device list.
//
// Directory devices seed the list keyed by certificate common name. A local
// device joins the entry with the same common name; a local device whose
// identity is still unknown joins by name instead, against the friendly
// name and then the hostname, and only when exactly one unjoined directory
// device matches. Unmatched local devices become entries of their own.
// Every local device contributes one mDNS probe, appended after the
// directory paths.
func Merge(local []models.LocalDevice, remote []models.RemoteDevice, probes Probes) []models.MergedDevice {
	var (
		entries []*models.MergedDevice
		byCN    = make(map[string]*models.MergedDevice)
	)

	for _, rd := range sortedRemote(remote) {
		if rd.CertificateCommonName != "" {
			if _, dup := byCN[rd.CertificateCommonName]; dup {
				continue
			}
		}
		entry := &models.MergedDevice{
			Remote:     &rd,
			PathProbes: pathProbes(rd, probes[rd.CertificateCommonName]),
		}
		entries = append(entries, entry)
		if rd.CertificateCommonName != "" {
			byCN[rd.CertificateCommonName] = entry
		}
	}

	for _, ld := range sortedLocal(local) {
		var target *models.MergedDevice
		if ld.CertificateCommonName != "" {
			target = byCN[ld.CertificateCommonName]
		} else {
			target = matchByName(entries, ld.Name)
		}

		if target != nil && target.Local != nil {
			// One local record per device.
			continue
		}
		if target == nil {
			target = &models.MergedDevice{}
			entries = append(entries, target)
			if ld.CertificateCommonName != "" {
				byCN[ld.CertificateCommonName] = target
			}
		}
		target.Local = &ld

		cn := ld.CertificateCommonName
		if cn == "" && target.Remote != nil {
			cn = target.Remote.CertificateCommonName
		}
		target.PathProbes = append(target.PathProbes, mdnsProbe(ld, probes[cn]))
	}

	out := make([]models.MergedDevice, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func pathProbes(rd models.RemoteDevice, known map[string]models.PathProbe) []models.PathProbe {
	ordered := models.OrderPaths(rd.Paths)
	out := make([]models.PathProbe, 0, len(ordered)+1)
	for _, p := range ordered {
		if probe, ok := known[p.Key()]; ok {
			out = append(out, probe)
			continue
		}
		out = append(out, models.PathProbe{Source: models.PathSource(p)})
	}
	return out
}

// mdnsProbe returns the measured probe of the local endpoint, or an
// unprobed one until a probe cycle has reached it.
func mdnsProbe(ld models.LocalDevice, known map[string]models.PathProbe) models.PathProbe {
	source := models.MDNSSource(ld.Host, ld.Port)
	if probe, ok := known[source.Key()]; ok {
		return probe
	}
	return models.PathProbe{Source: source}
}

func matchByName(entries []*models.MergedDevice, name string) *models.MergedDevice {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	for _, field := range []func(*models.RemoteDevice) string{
		func(rd *models.RemoteDevice) string { return rd.FriendlyName },
		func(rd *models.RemoteDevice) string { return rd.Hostname },
	} {
		var match *models.MergedDevice
		count := 0
		for _, e := range entries {
			if e.Remote == nil || e.Local != nil {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(field(e.Remote)), name) {
				match = e
				count++
			}
		}
		if count == 1 {
			return match
		}
		if count > 1 {
			return nil
		}
	}
	return nil
}

func sortedRemote(in []models.RemoteDevice) []models.RemoteDevice {
	out := append([]models.RemoteDevice(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CertificateCommonName != out[j].CertificateCommonName {
			return out[i].CertificateCommonName < out[j].CertificateCommonName
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

func sortedLocal(in []models.LocalDevice) []models.LocalDevice {
	out := append([]models.LocalDevice(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		// Identified records first so they claim their entry before a
		// name-only record can.
		if out[i].Identified() != out[j].Identified() {
			return out[i].Identified()
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].HostPort() < out[j].HostPort()
	})
	return out
}

func less(a, b models.MergedDevice) bool {
	an, bn := strings.ToLower(a.DisplayName()), strings.ToLower(b.DisplayName())
	if an != bn {
		return an < bn
	}
	if ac, bc := a.CertificateCommonName(), b.CertificateCommonName(); ac != bc {
		return ac < bc
	}
	if ai, bi := remoteID(a), remoteID(b); ai != bi {
		return ai < bi
	}
	return localKey(a) < localKey(b)
}

func remoteID(m models.MergedDevice) string {
	if m.Remote == nil {
		return ""
	}
	return m.Remote.DeviceID
}

func localKey(m models.MergedDevice) string {
	if m.Local == nil {
		return ""
	}
	return m.Local.HostPort()
}
