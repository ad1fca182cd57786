// tb-recovery detects Cassandra pods stranded by a lost node and, after
// operator approval, replaces them through the k8ssandra operator.
//
// Usage:
//
//	tb-recovery controller --config /etc/tb-recovery/config.yaml
//	tb-recovery status
//	tb-recovery approve rem-demo-dc1-r1-sts-0-1767225600 --by alice
//	tb-recovery cancel rem-demo-dc1-r1-sts-0-1767225600
package main

import "github.com/tinkerbelle-io/tb-recovery/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
