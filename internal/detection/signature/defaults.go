package signature

// defaultRuleFiles returns the bootstrap rule sources written when the rules
// directory is empty. Coverage: a known beacon implant, generic
// post-exploitation and credential-dumping indicators, and ransomware
// behavior (encryption API names co-occurring with ransom-note or
// shadow-copy-deletion indicators).
func defaultRuleFiles() map[string]string {
	return map[string]string{
		"cobalt_strike.yml": `rules:
  - name: cobalt-strike-beacon
    description: Detects Cobalt Strike Beacon payload
    severity: 10
    tags: [c2, implant, cobalt-strike]
    patterns:
      - id: beacon_dll
        text: beacon.dll
      - id: reflective_loader
        text: ReflectiveLoader
      - id: beacon_ua
        text: "Mozilla/5.0 (compatible; MSIE"
      - id: msse_pipe
        text: '\\.\pipe\MSSE-'
      - id: ps_webclient
        text: "IEX (New-Object Net.Webclient)"
    condition:
      match: any
`,
		"apt_indicators.yml": `rules:
  - name: apt-indicators
    description: Generic APT post-exploitation and credential-dumping indicators
    severity: 8
    tags: [apt, credential-access, post-exploitation]
    patterns:
      - id: mimikatz_logonpasswords
        text: "sekurlsa::logonpasswords"
      - id: mimikatz_debug
        text: "privilege::debug"
      - id: ps_downloadstring
        text: "IEX (New-Object Net.WebClient).DownloadString"
      - id: empire
        text: empire.py
      - id: meterpreter
        text: meterpreter
        nocase: true
      - id: run_key_persistence
        text: 'HKCU\Software\Microsoft\Windows\CurrentVersion\Run'
      - id: reverse_shell
        text: "bash -i >& /dev/tcp/"
    condition:
      match: any
`,
		"ransomware.yml": `rules:
  - name: ransomware-indicators
    description: Ransomware behavior patterns
    severity: 10
    tags: [ransomware]
    patterns:
      - id: enc_aes
        text: AES
      - id: enc_rsa
        text: RSA
      - id: ransom_note
        text: bitcoin
        nocase: true
      - id: locked_ext
        text: .locked
      - id: vssadmin
        text: "vssadmin delete shadows"
      - id: bcdedit
        text: "bcdedit /set {default} recoveryenabled No"
    condition:
      groups:
        - [enc_aes, enc_rsa]
        - [ransom_note, locked_ext, vssadmin, bcdedit]
`,
	}
}
