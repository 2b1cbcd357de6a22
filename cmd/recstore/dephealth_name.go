package main

import (
	"os"
	"regexp"
	"strings"
)

var (
	// <deployment>-<hash ReplicaSet>-<suffix пода>
	deploymentPodRe = regexp.MustCompile(`^(.+)-[a-z0-9]{6,10}-[a-z0-9]{5}$`)
	// <statefulset>-<ordinal>
	statefulSetPodRe = regexp.MustCompile(`^(.+)-\d+$`)
)

// dephealthName возвращает имя сервиса для topologymetrics:
// явное значение, иначе имя владельца пода из hostname, иначе "recstore".
func dephealthName(explicit string) string {
	if explicit != "" {
		return explicit
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "recstore"
	}
	return parseOwnerName(host)
}

// parseOwnerName извлекает имя Deployment или StatefulSet из hostname пода.
// Если hostname не похож на имя пода, возвращается без изменений.
func parseOwnerName(hostname string) string {
	hostname = strings.ToLower(hostname)
	if m := deploymentPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	if m := statefulSetPodRe.FindStringSubmatch(hostname); m != nil {
		return m[1]
	}
	return hostname
}
