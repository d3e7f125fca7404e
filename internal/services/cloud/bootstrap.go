package cloud

import (
	"fmt"
	"strings"
	"text/template"
)

// bootstrapParams fills the cloud-init user_data template for a new worker
// host.
type bootstrapParams struct {
	MasterURL  string
	HostID     string
	AccessKey  string
	MaxServers int
	PortBase   int
}

// The script reports progress to the control plane's startup-log endpoint so
// a host that dies mid-bootstrap leaves a trail. Every step is idempotent:
// cloud-init may retry user_data after an early reboot.
const bootstrapTemplate = `#!/bin/bash
set -ex

exec > >(tee -a /var/log/cloud-init-output.log) 2>&1

MASTER_URL="{{.MasterURL}}"
HOST_ID="{{.HostID}}"
ACCESS_KEY="{{.AccessKey}}"

log_to_master() {
    local payload=$(printf '{"host_id":"%s","message":"%s"}' "$HOST_ID" "$1")
    curl -sS -X POST "$MASTER_URL/vm/startup_log" \
        -H "Content-Type: application/json" \
        -H "Authorization: Bearer $ACCESS_KEY" \
        -d "$payload" \
        --connect-timeout 3 --max-time 5 2>/dev/null || true
}

log_to_master "host bootstrap initiated" &

export DEBIAN_FRONTEND=noninteractive

mkdir -p /opt/vmhub/bin

apt-get update -y -qq
apt-get install -y -qq curl xvfb libgl1 libx11-6 libxext6 libxrender1 > /dev/null 2>&1

download() {
    local endpoint="$1" dest="$2"
    for i in 1 2 3 4 5; do
        if curl -sS -X POST "$MASTER_URL$endpoint" \
            -H "Authorization: Bearer $ACCESS_KEY" \
            -o "$dest" \
            --connect-timeout 30 --max-time 300 && [ -s "$dest" ]; then
            log_to_master "downloaded $dest ($(stat -c%s "$dest") bytes)"
            return 0
        fi
        log_to_master "download $endpoint attempt $i failed"
        sleep 5
    done
    return 1
}

download /download_agent /opt/vmhub/bin/vmagent || { log_to_master "ERROR: agent download failed"; exit 1; }
download /download_binary /opt/vmhub/bin/server.x86_64 || { log_to_master "ERROR: game binary download failed"; exit 1; }
chmod +x /opt/vmhub/bin/vmagent /opt/vmhub/bin/server.x86_64

cat > /etc/vmhub-agent.env << EOF
HOST_ID={{.HostID}}
CONTROL_PLANE_URL={{.MasterURL}}
ACCESS_KEY={{.AccessKey}}
GAME_SERVER_BIN=/opt/vmhub/bin/server.x86_64
MAX_SERVERS_PER_HOST={{.MaxServers}}
GAME_PORT_BASE={{.PortBase}}
EOF
chmod 600 /etc/vmhub-agent.env

cat > /etc/systemd/system/vmagent.service << 'EOF'
[Unit]
Description=vmhub worker agent
After=network-online.target
Wants=network-online.target

[Service]
EnvironmentFile=/etc/vmhub-agent.env
ExecStart=/opt/vmhub/bin/vmagent
Restart=on-failure
RestartSec=5
KillMode=mixed
TimeoutStopSec=60

[Install]
WantedBy=multi-user.target
EOF

systemctl daemon-reload
systemctl enable --now vmagent.service

sleep 3
if systemctl is-active --quiet vmagent.service; then
    log_to_master "worker agent running"
else
    log_to_master "ERROR: worker agent failed to start"
    exit 1
fi

log_to_master "bootstrap complete"
`

var bootstrapTmpl = template.Must(template.New("bootstrap").Parse(bootstrapTemplate))

func renderBootstrap(params bootstrapParams) (string, error) {
	var buf strings.Builder
	if err := bootstrapTmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render bootstrap script: %w", err)
	}
	return buf.String(), nil
}
