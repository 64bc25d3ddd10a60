package server

// viewerHTML lets a browser watch the relay over any of its transports.
const viewerHTML = `<!DOCTYPE html>
<html>
<head>
    <title>MJPEG Relay</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; background: #111; color: #ddd; font-family: sans-serif; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 10px 16px; }
        .view-toggle button { background: #333; color: #ddd; border: 0; padding: 6px 12px; cursor: pointer; }
        .view-toggle button.active { background: #2a6; color: #fff; }
        #frame { width: 100%; height: auto; display: block; background: #000; }
        #status { font-size: 12px; color: #0f0; }
    </style>
</head>
<body>
    <div class="header">
        <div>MJPEG Relay <span id="status">idle</span></div>
        <div class="view-toggle">
            <button type="button" id="btn-mjpeg" class="active">MJPEG</button>
            <button type="button" id="btn-ws">WebSocket</button>
            <button type="button" id="btn-webrtc">WebRTC</button>
        </div>
    </div>
    <img id="frame" alt="Live stream">

    <script>
        const img = document.getElementById('frame');
        const statusEl = document.getElementById('status');
        let stop = () => {};

        function show(bytes) {
            const url = URL.createObjectURL(new Blob([bytes], { type: 'image/jpeg' }));
            const prev = img.src;
            img.src = url;
            if (prev.startsWith('blob:')) URL.revokeObjectURL(prev);
        }

        function mjpeg() {
            img.src = '/stream?t=' + Date.now();
            statusEl.textContent = 'mjpeg';
            return () => { img.src = ''; };
        }

        function websocket() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/ws');
            ws.binaryType = 'arraybuffer';
            ws.onopen = () => { statusEl.textContent = 'websocket'; };
            ws.onmessage = (ev) => show(ev.data);
            ws.onclose = () => { statusEl.textContent = 'websocket closed'; };
            return () => ws.close();
        }

        function webrtc() {
            const pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            const dc = pc.createDataChannel('frames');
            dc.binaryType = 'arraybuffer';

            let expected = 0;
            let chunks = [];
            let received = 0;
            dc.onmessage = (ev) => {
                if (typeof ev.data === 'string') {
                    expected = parseInt(ev.data, 10);
                    chunks = [];
                    received = 0;
                    return;
                }
                chunks.push(ev.data);
                received += ev.data.byteLength;
                if (received >= expected) show(new Blob(chunks));
            };
            dc.onopen = () => { statusEl.textContent = 'webrtc'; };

            pc.createOffer()
                .then((offer) => pc.setLocalDescription(offer))
                .then(() => new Promise((resolve) => {
                    if (pc.iceGatheringState === 'complete') return resolve();
                    pc.onicegatheringstatechange = () => {
                        if (pc.iceGatheringState === 'complete') resolve();
                    };
                }))
                .then(() => fetch('/api/webrtc/offer', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify(pc.localDescription),
                }))
                .then((res) => res.json())
                .then((answer) => pc.setRemoteDescription(answer))
                .catch((err) => { statusEl.textContent = 'webrtc failed: ' + err; });

            return () => pc.close();
        }

        function select(id, start) {
            document.querySelectorAll('.view-toggle button').forEach((b) => b.classList.remove('active'));
            document.getElementById(id).classList.add('active');
            stop();
            stop = start();
        }

        document.getElementById('btn-mjpeg').onclick = () => select('btn-mjpeg', mjpeg);
        document.getElementById('btn-ws').onclick = () => select('btn-ws', websocket);
        document.getElementById('btn-webrtc').onclick = () => select('btn-webrtc', webrtc);
        stop = mjpeg();
    </script>
</body>
</html>
`
